package indexer

import "strings"

const maxNSIDLength = 253

// DefaultNamespace is the collection prefix accepted when FilterConfig leaves
// Namespace empty.
const DefaultNamespace = "app.bsky."

type FilterConfig struct {
	Namespace        string
	Collections      []string
	StrictValidation bool
}

// EventFilter decides which record paths are in scope.
type EventFilter struct {
	namespace   string
	collections map[string]struct{}
	strict      bool
}

func NewEventFilter(cfg FilterConfig) *EventFilter {
	namespace := strings.TrimSpace(cfg.Namespace)
	if namespace == "" {
		namespace = DefaultNamespace
	}
	var collections map[string]struct{}
	if len(cfg.Collections) > 0 {
		collections = make(map[string]struct{}, len(cfg.Collections))
		for _, collection := range cfg.Collections {
			collection = strings.TrimSpace(collection)
			if collection != "" {
				collections[collection] = struct{}{}
			}
		}
	}
	return &EventFilter{
		namespace:   namespace,
		collections: collections,
		strict:      cfg.StrictValidation,
	}
}

// ShouldProcess reports whether an operation on path is in scope. An empty
// action is treated as unspecified and only the path is checked.
func (f *EventFilter) ShouldProcess(action Action, path string) bool {
	if action != "" && !action.Valid() {
		return false
	}
	collection := ExtractCollection(path)
	if collection == "" {
		return false
	}
	if !strings.HasPrefix(collection, f.namespace) {
		return false
	}
	if f.strict && !ValidNSID(collection) {
		return false
	}
	if f.collections != nil {
		if _, ok := f.collections[collection]; !ok {
			return false
		}
	}
	return true
}

func (f *EventFilter) Accepts(op Operation) bool {
	return f.ShouldProcess(op.Action, op.Path())
}

func (f *EventFilter) ExtractCollection(path string) string {
	return ExtractCollection(path)
}

// ExtractCollection returns the segment before the first slash.
func ExtractCollection(path string) string {
	if i := strings.IndexByte(path, '/'); i >= 0 {
		return path[:i]
	}
	return path
}

// ValidNSID checks the dotted identifier grammar: at most 253 characters and
// at least three segments of [a-z][a-z0-9-]* with no leading, trailing or
// doubled hyphens.
func ValidNSID(nsid string) bool {
	if nsid == "" || len(nsid) > maxNSIDLength {
		return false
	}
	segments := strings.Split(nsid, ".")
	if len(segments) < 3 {
		return false
	}
	for _, segment := range segments {
		if !validSegment(segment) {
			return false
		}
	}
	return true
}

func validSegment(segment string) bool {
	if segment == "" {
		return false
	}
	if segment[0] < 'a' || segment[0] > 'z' {
		return false
	}
	if segment[len(segment)-1] == '-' || strings.Contains(segment, "--") {
		return false
	}
	for i := 1; i < len(segment); i++ {
		c := segment[i]
		switch {
		case c >= 'a' && c <= 'z':
		case c >= '0' && c <= '9':
		case c == '-':
		default:
			return false
		}
	}
	return true
}
