package syncengine

import (
	"fmt"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/agentworkforce/paksync/internal/remotestore"
)

type Resolution int

const (
	ResolveManual Resolution = iota
	ResolveKeepLocal
	ResolveKeepRemote
)

func (r Resolution) String() string {
	switch r {
	case ResolveKeepLocal:
		return "local"
	case ResolveKeepRemote:
		return "remote"
	default:
		return "manual"
	}
}

// Built-in policies. "progress" keeps whichever side was saved more often
// in game, falling back to play time.
var policyPresets = map[string]string{
	"manual":   `"manual"`,
	"local":    `"local"`,
	"remote":   `"remote"`,
	"progress": `!remote.exists ? "local" : (local.times_saved != remote.times_saved ? (local.times_saved > remote.times_saved ? "local" : "remote") : (local.play_time_seconds >= remote.play_time_seconds ? "local" : "remote"))`,
}

// Resolver decides conflicts with an expr-lang expression evaluated against
// the conflict. The expression sees reason, id and the local, remote and
// base sides, and must return "local", "remote" or "manual".
type Resolver struct {
	source  string
	program *vm.Program
}

// NewResolver compiles a preset name or a raw expression.
func NewResolver(policy string) (*Resolver, error) {
	policy = strings.TrimSpace(policy)
	if policy == "" {
		policy = "manual"
	}
	source := policy
	if preset, ok := policyPresets[policy]; ok {
		source = preset
	}
	program, err := expr.Compile(source, expr.Env(map[string]any{}), expr.AllowUndefinedVariables())
	if err != nil {
		return nil, fmt.Errorf("compile conflict policy %q: %w", policy, err)
	}
	return &Resolver{source: source, program: program}, nil
}

// Decide evaluates the policy. remote is nil when the document is gone.
func (r *Resolver) Decide(conflict SyncAction, remote *remotestore.Document) (Resolution, error) {
	result, err := expr.Run(r.program, resolverEnv(conflict, remote))
	if err != nil {
		return ResolveManual, fmt.Errorf("evaluate conflict policy: %w", err)
	}
	choice, ok := result.(string)
	if !ok {
		return ResolveManual, fmt.Errorf("conflict policy returned %T, want string", result)
	}
	switch strings.ToLower(choice) {
	case "local":
		return ResolveKeepLocal, nil
	case "remote":
		return ResolveKeepRemote, nil
	case "manual", "":
		return ResolveManual, nil
	}
	return ResolveManual, fmt.Errorf("conflict policy returned %q", choice)
}

// Resolve turns a conflict into an action the engine can apply, or returns
// the conflict unchanged when the policy leaves it to the user. Keeping the
// local side overwrites the current remote revision; keeping the remote side
// fetches it. A vanished remote can only be resolved by recreating it.
func (r *Resolver) Resolve(conflict SyncAction, remote *remotestore.Document) (SyncAction, error) {
	if conflict.Kind != KindConflict {
		return conflict, nil
	}
	decision, err := r.Decide(conflict, remote)
	if err != nil {
		return conflict, err
	}
	out := conflict
	out.Reason = ""
	switch {
	case decision == ResolveKeepLocal && conflict.Local == nil:
		// Deleted locally: keeping the local side means deleting the
		// current remote revision.
		if remote == nil {
			out.Kind = KindForget
			return out, nil
		}
		out.Kind = KindDelete
		out.BaseRevision = remote.Revision
	case decision == ResolveKeepLocal && remote == nil:
		out.Kind = KindCreate
		out.BaseRevision = ""
	case decision == ResolveKeepLocal:
		out.Kind = KindUpdate
		out.BaseRevision = remote.Revision
	case decision == ResolveKeepRemote && remote != nil:
		out.Kind = KindFetch
		out.RemoteRevision = remote.Revision
	default:
		return conflict, nil
	}
	return out, nil
}

func resolverEnv(conflict SyncAction, remote *remotestore.Document) map[string]any {
	local := map[string]any{"exists": conflict.Local != nil}
	if conflict.Local != nil {
		slot := conflict.Local.Slot
		local["size"] = len(slot.Payload)
		local["hash"] = conflict.Local.Hash
		local["name"] = slot.Name
		if m := slot.Metadata; m != nil {
			local["play_time_seconds"] = int64(m.PlayTime.Seconds())
			local["day"] = m.Day
			local["deaths"] = int64(m.Deaths)
			local["gold"] = int64(m.Gold)
			local["times_saved"] = int64(m.TimesSaved)
			local["checksum_ok"] = m.ChecksumOK
		}
	}
	fillNumeric(local)

	rem := map[string]any{"exists": remote != nil}
	if remote != nil {
		rem["size"] = len(remote.Payload())
		rem["hash"] = HashPayload(remote.Payload())
		rem["name"] = remote.Name
		rem["revision"] = remote.Revision
		if m := remote.Metadata; m != nil {
			rem["play_time_seconds"] = m.PlayTimeSeconds
			rem["day"] = m.Day
			rem["deaths"] = int64(m.Deaths)
			rem["gold"] = int64(m.Gold)
			rem["times_saved"] = int64(m.TimesSaved)
			rem["checksum_ok"] = m.ChecksumOK
		}
	}
	fillNumeric(rem)

	return map[string]any{
		"id":     conflict.ID,
		"reason": conflict.Reason,
		"local":  local,
		"remote": rem,
		"base": map[string]any{
			"exists": conflict.Base != nil,
			"hash":   HashPayload(conflict.Base),
			"size":   len(conflict.Base),
		},
	}
}

// fillNumeric gives absent metadata zero values so comparisons in policies
// do not fail on missing keys.
func fillNumeric(m map[string]any) {
	for _, k := range []string{"play_time_seconds", "deaths", "gold", "times_saved"} {
		if _, ok := m[k]; !ok {
			m[k] = int64(0)
		}
	}
	if _, ok := m["day"]; !ok {
		m["day"] = 0
	}
	if _, ok := m["checksum_ok"]; !ok {
		m["checksum_ok"] = false
	}
}
