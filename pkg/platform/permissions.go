package platform

import (
	"sync"

	"github.com/go-drift/cvsession/pkg/errors"
)

const (
	permissionsChannel       = "drift/permissions"
	permissionResultsChannel = "drift/permissions/result"
)

// Android grant result codes carried in grantResults.
const (
	GrantResultGranted = 0
	GrantResultDenied  = -1
)

// Permissions is the host runtime-permission service.
var Permissions = &PermissionService{
	channel: NewMethodChannel(permissionsChannel),
	results: NewEventChannel(permissionResultsChannel),
}

// PermissionService asks the host to prompt for runtime permissions and
// delivers the results of each round-trip.
type PermissionService struct {
	channel  *MethodChannel
	results  *EventChannel
	handlers []permissionEntry
	nextID   int
	mu       sync.RWMutex
}

type permissionEntry struct {
	id      int
	handler PermissionResultHandler
}

// PermissionResult is the host's answer to one requestPermissions call.
// Permissions and Grants are index-aligned.
type PermissionResult struct {
	RequestCode int
	Permissions []string
	Grants      []bool
}

// PermissionResultHandler receives permission results on the dispatch context.
type PermissionResultHandler func(result PermissionResult)

func init() {
	registerBuiltinInit(func() {
		NewStream("permissions", Permissions.results, parsePermissionEvent).Listen(Permissions.deliver)
	})
}

func parsePermissionEvent(data any) (PermissionResult, error) {
	result, ok := parsePermissionResult(data)
	if !ok {
		return PermissionResult{}, &errors.ParseError{
			Channel:  permissionResultsChannel,
			DataType: "PermissionResult",
			Got:      data,
		}
	}
	return result, nil
}

// RequestPermissions asks the host to prompt for ids under requestCode.
// It returns once the host accepted the request; the outcome arrives later
// through the handlers registered with AddResultHandler.
func (s *PermissionService) RequestPermissions(ids []string, requestCode int) error {
	_, err := s.channel.Invoke("requestPermissions", map[string]any{
		"permissions": ids,
		"requestCode": requestCode,
	})
	return err
}

// IsGranted asks the host whether id is currently granted.
func (s *PermissionService) IsGranted(id string) (bool, error) {
	result, err := s.channel.Invoke("checkSelfPermission", map[string]any{
		"permission": id,
	})
	if err != nil {
		return false, err
	}
	m := AsMap(result)
	if m == nil {
		return false, ErrInvalidArguments
	}
	code, ok := AsInt64(m["result"])
	return ok && code == GrantResultGranted, nil
}

// AddResultHandler registers a handler for permission results.
// Returns a function that removes the handler.
func (s *PermissionService) AddResultHandler(handler PermissionResultHandler) func() {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.handlers = append(s.handlers, permissionEntry{id: id, handler: handler})
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, entry := range s.handlers {
			if entry.id == id {
				s.handlers = append(s.handlers[:i], s.handlers[i+1:]...)
				return
			}
		}
	}
}

func (s *PermissionService) deliver(result PermissionResult) {
	s.mu.RLock()
	handlers := make([]PermissionResultHandler, len(s.handlers))
	for i, entry := range s.handlers {
		handlers[i] = entry.handler
	}
	s.mu.RUnlock()

	runOnDispatch(func() {
		for _, h := range handlers {
			h(result)
		}
	})
}

// parsePermissionResult accepts grantResults as Android int codes or as booleans.
func parsePermissionResult(data any) (PermissionResult, bool) {
	m := AsMap(data)
	if m == nil {
		return PermissionResult{}, false
	}
	code, ok := AsInt64(m["requestCode"])
	if !ok {
		return PermissionResult{}, false
	}

	result := PermissionResult{RequestCode: int(code)}
	for _, p := range AsSlice(m["permissions"]) {
		result.Permissions = append(result.Permissions, AsString(p))
	}
	for _, g := range AsSlice(m["grantResults"]) {
		switch v := g.(type) {
		case bool:
			result.Grants = append(result.Grants, v)
		default:
			n, ok := AsInt64(v)
			result.Grants = append(result.Grants, ok && n == GrantResultGranted)
		}
	}
	return result, true
}
