package ir

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Domain prefixes keep hashes of different kinds from colliding.
// The version suffix allows the algorithm to change without ambiguity.
const (
	DomainCompound = "assay/compound/v1"
	DomainTask     = "assay/task/v1"
	DomainResult   = "assay/result/v1"
)

// hashWithDomain returns hex(SHA256(domain || 0x00 || data)).
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// CompoundID computes the content address of a compound.
//
// memberIDs must already be in canonical member order (timestamp, then id);
// the compound builder is responsible for that. Policy parameters are
// serialized with sorted keys, so two policies with equal parameters hash
// equally however they were constructed.
func CompoundID(entityID string, policy Policy, memberIDs []string) (string, error) {
	members := make(Array, len(memberIDs))
	for i, id := range memberIDs {
		members[i] = String(id)
	}
	params := policy.Params
	if params == nil {
		params = Object{}
	}
	obj := Object{
		"entity_id": String(entityID),
		"policy": Object{
			"name":   String(policy.Name),
			"params": params,
		},
		"members": members,
	}
	data, err := Canonical(obj)
	if err != nil {
		return "", fmt.Errorf("compound id: %w", err)
	}
	return hashWithDomain(DomainCompound, data), nil
}

// ResultDigest hashes a task result, for reviewers that journal fingerprints
// instead of whole payloads.
func ResultDigest(result Object) (string, error) {
	if result == nil {
		result = Object{}
	}
	data, err := Canonical(result)
	if err != nil {
		return "", fmt.Errorf("result digest: %w", err)
	}
	return hashWithDomain(DomainResult, data), nil
}

// ID returns the stable identifier of the task key.
func (k TaskKey) ID() string {
	data, err := Canonical(Object{
		"entity_id":   String(k.EntityID),
		"unit":        String(k.Unit),
		"compound_id": String(k.CompoundID),
		"config_id":   String(k.ConfigID),
	})
	if err != nil {
		// Only strings are involved, so canonicalization cannot fail.
		panic(err)
	}
	return hashWithDomain(DomainTask, data)
}

// MustCompoundID is like CompoundID but panics on error.
// Use only in tests or when inputs are known to be valid.
func MustCompoundID(entityID string, policy Policy, memberIDs []string) string {
	id, err := CompoundID(entityID, policy, memberIDs)
	if err != nil {
		panic(err)
	}
	return id
}
