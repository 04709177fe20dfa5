package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"slices"
	"sort"
	"strings"
)

// LinkDefinition declares that an actor (Source) may use a provider
// (Target) under a contract and link name. Definitions are order
// independent: they may exist before either side is running.
type LinkDefinition struct {
	Source     Identity          `json:"source_id"`
	Target     Identity          `json:"target"`
	ContractID string            `json:"contract_id"`
	LinkName   string            `json:"link_name"`
	Interfaces []string          `json:"interfaces,omitempty"`
	Values     map[string]string `json:"values,omitempty"`
}

// LinkKey uniquely identifies a link definition.
type LinkKey struct {
	Source     Identity `json:"source_id"`
	ContractID string   `json:"contract_id"`
	LinkName   string   `json:"link_name"`
}

func (k LinkKey) String() string {
	return fmt.Sprintf("%s/%s/%s", k.Source, k.ContractID, k.LinkName)
}

// Key returns the unique key of the definition.
func (d LinkDefinition) Key() LinkKey {
	return LinkKey{Source: d.Source, ContractID: d.ContractID, LinkName: NormalizeLinkName(d.LinkName)}
}

// Validate checks the structural requirements of a definition.
func (d LinkDefinition) Validate() error {
	if !d.Source.IsActor() {
		return fmt.Errorf("%w: link source %q is not an actor identity", ErrInvalidLink, d.Source)
	}
	if !d.Target.IsProvider() {
		return fmt.Errorf("%w: link target %q is not a provider identity", ErrInvalidLink, d.Target)
	}
	if d.ContractID == "" {
		return fmt.Errorf("%w: contract id is required", ErrInvalidLink)
	}
	return nil
}

// Normalized returns a copy with defaults applied and interfaces sorted.
func (d LinkDefinition) Normalized() LinkDefinition {
	out := d
	out.LinkName = NormalizeLinkName(d.LinkName)
	out.Interfaces = slices.Clone(d.Interfaces)
	sort.Strings(out.Interfaces)
	if d.Values != nil {
		out.Values = make(map[string]string, len(d.Values))
		for k, v := range d.Values {
			out.Values[k] = v
		}
	}
	return out
}

// Generation returns a stable digest of everything that, when changed,
// requires the provider to update an existing binding.
func (d LinkDefinition) Generation() string {
	n := d.Normalized()
	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%s\x00", n.Target, strings.Join(n.Interfaces, ","))
	keys := make([]string, 0, len(n.Values))
	for k := range n.Values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(h, "%s=%s\x00", k, n.Values[k])
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}

// LinkState is the Link Manager's view of a single definition.
type LinkState string

const (
	LinkPending  LinkState = "pending"
	LinkBound    LinkState = "bound"
	LinkUpdating LinkState = "updating"
	LinkUnbound  LinkState = "unbound"
)

// LinkStatus is a definition together with its current state.
type LinkStatus struct {
	Definition LinkDefinition `json:"definition"`
	State      LinkState      `json:"state"`
	Generation string         `json:"generation"`
	LastError  string         `json:"last_error,omitempty"`
}
