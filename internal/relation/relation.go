// Package relation persists the per-owner .relations.json documents that
// link URIs together, with validation delegated to an ontology so the
// store itself stays agnostic to what kinds of links are meaningful.
package relation

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/axiomorient/axiomme/internal/axerr"
	"github.com/axiomorient/axiomme/internal/index"
	"github.com/axiomorient/axiomme/internal/model"
	"github.com/axiomorient/axiomme/internal/uri"
	"github.com/axiomorient/axiomme/internal/vfs"
)

// Ontology validates whether a relation linking these context types is
// permitted. A nil Ontology imposes no restriction beyond existence.
type Ontology interface {
	Validate(types []model.ContextType) error
}

// PermissiveOntology allows any combination of context types to be
// linked; it is the default used when no stricter ontology is configured.
type PermissiveOntology struct{}

func (PermissiveOntology) Validate([]model.ContextType) error { return nil }

// Store manages relation documents on the virtual filesystem.
type Store struct {
	fs       *vfs.FS
	idx      *index.Index
	ontology Ontology
}

// New constructs a relation store. ontology may be nil, in which case
// PermissiveOntology is used.
func New(fs *vfs.FS, idx *index.Index, ontology Ontology) *Store {
	if ontology == nil {
		ontology = PermissiveOntology{}
	}
	return &Store{fs: fs, idx: idx, ontology: ontology}
}

type document struct {
	Links []model.RelationLink `json:"links"`
}

func relationsUri(owner uri.AxiomUri) (uri.AxiomUri, error) {
	return owner.Join(".relations.json")
}

// Relations returns every relation link recorded for an owner URI, in
// insertion order.
func (s *Store) Relations(owner uri.AxiomUri) ([]model.RelationLink, error) {
	docUri, err := relationsUri(owner)
	if err != nil {
		return nil, err
	}
	if !s.fs.Exists(docUri) {
		return nil, nil
	}
	raw, err := s.fs.Read(docUri)
	if err != nil {
		return nil, err
	}
	var doc document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, axerr.Wrap(axerr.Validation, owner.String(), "parse relations document", err)
	}
	return doc.Links, nil
}

// Link upserts a relation among the given URIs for an owner: relationId
// is caller-supplied (the spec's id-uniqueness-per-owner contract is
// upsert-by-id, not generate-fresh-every-call), uris are parsed,
// deduplicated, and required to number at least two once deduplicated;
// the ontology (when configured beyond PermissiveOntology) is consulted
// next, then every uri must lie within the owner's subtree, and the write
// lands only if both checks pass. Calling Link again with the same relationId replaces the
// existing record rather than appending a duplicate.
func (s *Store) Link(owner uri.AxiomUri, relationId string, uris []string, reason string) (model.RelationLink, error) {
	if owner.Scope().IsInternal() {
		return model.RelationLink{}, axerr.New(axerr.PermissionDenied, owner.String(), "internal scopes do not accept relation links")
	}
	relationId = strings.TrimSpace(relationId)
	if relationId == "" {
		return model.RelationLink{}, axerr.New(axerr.Validation, owner.String(), "relation id must not be empty")
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return model.RelationLink{}, axerr.New(axerr.Validation, owner.String(), "relation reason must not be empty")
	}

	parsed := make([]uri.AxiomUri, 0, len(uris))
	for _, u := range uris {
		p, err := uri.Parse(u)
		if err != nil {
			return model.RelationLink{}, err
		}
		parsed = append(parsed, p)
	}
	parsed = dedupeRelationUris(parsed)
	if len(parsed) < 2 {
		return model.RelationLink{}, axerr.New(axerr.Validation, owner.String(), "relation link requires at least two unique uris")
	}

	var types []model.ContextType
	for _, p := range parsed {
		if rec, ok := s.idx.Get(p); ok {
			types = append(types, rec.ContextType)
		}
	}
	if err := s.ontology.Validate(types); err != nil {
		return model.RelationLink{}, axerr.Wrap(axerr.OntologyViolation, owner.String(), "relation rejected by ontology", err)
	}

	for _, p := range parsed {
		if !p.StartsWith(owner) {
			return model.RelationLink{}, axerr.New(axerr.Validation, owner.String(),
				fmt.Sprintf("relation uri must be within owner subtree: owner=%s, uri=%s", owner.String(), p.String()))
		}
	}

	normalized := make([]string, len(parsed))
	for i, p := range parsed {
		normalized[i] = p.String()
	}
	next := model.RelationLink{Id: relationId, Uris: normalized, Reason: reason}

	links, err := s.Relations(owner)
	if err != nil {
		return model.RelationLink{}, err
	}
	replaced := false
	for i := range links {
		if links[i].Id == next.Id {
			links[i] = next
			replaced = true
			break
		}
	}
	if !replaced {
		links = append(links, next)
	}
	if err := s.save(owner, links); err != nil {
		return model.RelationLink{}, err
	}
	return next, nil
}

// dedupeRelationUris drops repeated URIs (by normalized string form)
// while preserving first-seen order, mirroring the ordering guarantee
// callers expect from the stored uris slice.
func dedupeRelationUris(uris []uri.AxiomUri) []uri.AxiomUri {
	out := make([]uri.AxiomUri, 0, len(uris))
	seen := make(map[string]bool, len(uris))
	for _, u := range uris {
		key := u.String()
		if !seen[key] {
			seen[key] = true
			out = append(out, u)
		}
	}
	return out
}

// Unlink removes a relation by id. It is not an error to unlink an id that
// does not exist.
func (s *Store) Unlink(owner uri.AxiomUri, linkID string) error {
	if owner.Scope().IsInternal() {
		return axerr.New(axerr.PermissionDenied, owner.String(), "internal scopes do not accept relation links")
	}
	links, err := s.Relations(owner)
	if err != nil {
		return err
	}
	out := links[:0]
	for _, l := range links {
		if l.Id != linkID {
			out = append(out, l)
		}
	}
	return s.save(owner, out)
}

// RelationsFor returns the relations touching a given URI, across all
// owners under the same scope root that the caller has already loaded;
// callers typically restrict this to the owner's own document, since
// relation documents are scoped per-owner and not globally indexed.
func RelationsFor(links []model.RelationLink, target uri.AxiomUri) []model.RelationLink {
	var out []model.RelationLink
	for _, l := range links {
		for _, u := range l.Uris {
			if u == target.String() {
				out = append(out, l)
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Id < out[j].Id })
	return out
}

func (s *Store) save(owner uri.AxiomUri, links []model.RelationLink) error {
	docUri, err := relationsUri(owner)
	if err != nil {
		return err
	}
	raw, err := json.MarshalIndent(document{Links: links}, "", "  ")
	if err != nil {
		return err
	}
	return s.fs.WriteAtomic(docUri, raw, true)
}
