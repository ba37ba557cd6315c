package ops

import (
	"encoding/json"

	"github.com/viewfinder/oppipeline/pkg/opmanager"
)

// scrubIdentity redacts the identity string from logged args, since it is
// frequently PII (an email address or phone number).
func scrubIdentity(args json.RawMessage) any {
	var raw map[string]any
	if err := json.Unmarshal(args, &raw); err != nil {
		return "<unparseable args>"
	}
	if _, ok := raw["identity"]; ok {
		raw["identity"] = "<redacted>"
	}
	return raw
}

// Register adds every handler in this package to opMap under its method
// name. Call this once during startup, before any op reaches the
// scheduler.
func Register(opMap *opmanager.OperationMap, h *Handlers) {
	opMap.Register("RegisterUser", RegisterUserHandler, scrubIdentity)
	opMap.Register("LinkIdentity", LinkIdentityHandler, scrubIdentity)
	opMap.Register("ShareExisting", h.ShareExistingHandler, nil)
	opMap.Register("Unshare", h.UnshareHandler, nil)
}
