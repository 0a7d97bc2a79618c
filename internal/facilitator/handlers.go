package facilitator

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/julienschmidt/httprouter"

	"github.com/northvale/mesh/internal/contract"
	"github.com/northvale/mesh/internal/errors"
)

// getMirror serves the published snapshot. The read path refreshes: an
// expired snapshot is rebuilt before answering, and only a true cold
// start fails.
func (f *Facilitator) getMirror(w http.ResponseWriter, r *http.Request, _ httprouter.Params) error {
	sn, err := f.mirror.Get(r.Context())
	if err != nil {
		return err
	}
	return writeJSON(w, contract.MirrorDoc{
		Mirror: sn.Mirror,
		Meta: contract.MirrorMeta{
			Source:    sn.Source,
			FetchedAt: sn.FetchedAt.UTC().Format(time.RFC3339),
			Count:     sn.Size(),
		},
	})
}

// postMirror adopts a pushed mirror wholesale. The ack reports accepted
// even when the LKG persist failed, since the in-memory adoption stands.
func (f *Facilitator) postMirror(w http.ResponseWriter, r *http.Request, _ httprouter.Params) error {
	if err := contract.VerifyContract(r.Header, contract.MirrorContract); err != nil {
		return err
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return errors.Validation(errors.CodeBadRequest, "body", err.Error())
	}
	var doc contract.MirrorDoc
	if err := json.Unmarshal(body, &doc); err != nil {
		return errors.Validation(errors.CodeBadRequest, "mirror", err.Error())
	}
	if doc.Mirror == nil {
		return errors.Validation(errors.CodeBadRequest, "mirror", "must be present")
	}

	res, err := f.mirror.ReplaceWithPush(doc.Mirror)
	if err != nil {
		return err
	}
	f.pushes.Add(1)
	return writeJSON(w, contract.PushAck{
		OK:        true,
		Accepted:  true,
		Services:  res.Snapshot.Size(),
		Source:    res.Snapshot.Source,
		LKGSaved:  res.LKGSaved,
		LKGError:  res.LKGError,
		FetchedAt: res.Snapshot.FetchedAt.UTC().Format(time.RFC3339),
	})
}

// resolveByPath serves GET /resolve/:slug/:version with the version as a
// v-prefixed path segment, the form the S2S client emits.
func (f *Facilitator) resolveByPath(w http.ResponseWriter, r *http.Request, ps httprouter.Params) error {
	slug, err := contract.NormalizeSlug(ps.ByName("slug"))
	if err != nil {
		return err
	}
	version, err := parseVersionSegment(ps.ByName("version"))
	if err != nil {
		return err
	}
	return f.resolve(w, r, contract.Key(slug, version))
}

// resolveByKey serves GET /resolve?key=slug@version.
func (f *Facilitator) resolveByKey(w http.ResponseWriter, r *http.Request, _ httprouter.Params) error {
	key := r.URL.Query().Get("key")
	if key == "" {
		return errors.Validation(errors.CodeBadRequest, "key", "query parameter is required")
	}
	slug, version, err := contract.ParseKey(key)
	if err != nil {
		return err
	}
	return f.resolve(w, r, contract.Key(slug, version))
}

// resolve reads the store directly, so it sees internal-only and
// disabled records the published mirror withholds.
func (f *Facilitator) resolve(w http.ResponseWriter, r *http.Request, key string) error {
	rec, ok, err := f.store.GetRecord(r.Context(), key)
	if err != nil {
		return err
	}
	if !ok {
		return errors.ErrNotFound.WithDetailf("%s is not registered", key)
	}
	if rec.Key() != key {
		return errors.ErrKeyMismatch.WithDetailf("record %s found under key %s", rec.Key(), key)
	}
	if err := rec.Validate(f.requirePort); err != nil {
		return err
	}
	if !rec.Enabled {
		return errors.ErrServiceDisabled.WithDetailf("%s is disabled", key)
	}
	policies, err := f.store.ListPolicies(r.Context(), key)
	if err != nil {
		return err
	}
	f.resolves.Add(1)
	return writeJSON(w, contract.ResolveResponse{
		OK:      true,
		Service: f.cfg.Server.Slug,
		Data:    contract.MakeResolveData(rec, policies),
	})
}

// createRecord serves PUT /svcconfig/create. Any other PUT form under
// /svcconfig is the disallowed full-record update and answers 405.
func (f *Facilitator) createRecord(w http.ResponseWriter, r *http.Request, ps httprouter.Params) error {
	if verb := ps.ByName("verb"); verb != "create" {
		return errors.ErrMethodNotAllowed.WithDetailf(
			"PUT /svcconfig/%s is not supported; create with PUT .../svcconfig/create, update with PATCH .../svcconfig/update/:id", verb)
	}
	var rec contract.ServiceConfigRecord
	if err := decodeBody(r, &rec); err != nil {
		return err
	}

	rec.ConfigRevision = 1
	rec.UpdatedAt = isoNow()
	rec.UpdatedBy = callerSubject(r)
	rec.ETag = recordETag(rec)
	if err := rec.Validate(f.requirePort); err != nil {
		return err
	}

	if _, exists, err := f.store.GetRecord(r.Context(), rec.Key()); err != nil {
		return err
	} else if exists {
		return errors.ErrBadRequest.WithDetailf("%s already exists; update with PATCH .../svcconfig/update/%s", rec.Key(), rec.Key())
	}
	if err := f.store.PutRecord(r.Context(), rec); err != nil {
		return err
	}
	f.writes.Add(1)
	f.refreshPublished(r.Context())
	contract.WriteOK(w, f.cfg.Server.Slug, http.StatusCreated, rec)
	return nil
}

// readRecord serves GET /svcconfig/read/:id.
func (f *Facilitator) readRecord(w http.ResponseWriter, r *http.Request, ps httprouter.Params) error {
	key := ps.ByName("id")
	rec, ok, err := f.store.GetRecord(r.Context(), key)
	if err != nil {
		return err
	}
	if !ok {
		return errors.ErrNotFound.WithDetailf("%s is not registered", key)
	}
	contract.WriteOK(w, f.cfg.Server.Slug, http.StatusOK, rec)
	return nil
}

// updateRecord serves PATCH /svcconfig/update/:id. The body is a sparse
// record: present fields overwrite, absent fields stand. Identity is
// immutable; moving a record means delete and recreate.
func (f *Facilitator) updateRecord(w http.ResponseWriter, r *http.Request, ps httprouter.Params) error {
	key := ps.ByName("id")
	existing, ok, err := f.store.GetRecord(r.Context(), key)
	if err != nil {
		return err
	}
	if !ok {
		return errors.ErrNotFound.WithDetailf("%s is not registered", key)
	}

	updated := existing
	if err := decodeBody(r, &updated); err != nil {
		return err
	}
	if updated.Slug != existing.Slug || updated.Version != existing.Version {
		return errors.ErrKeyMismatch.WithDetailf("identity of %s is immutable; delete and recreate to move it", key)
	}

	updated.ConfigRevision = existing.ConfigRevision + 1
	updated.UpdatedAt = isoNow()
	updated.UpdatedBy = callerSubject(r)
	updated.ETag = recordETag(updated)
	if err := updated.Validate(f.requirePort); err != nil {
		return err
	}
	if err := f.store.PutRecord(r.Context(), updated); err != nil {
		return err
	}
	f.writes.Add(1)
	f.refreshPublished(r.Context())
	contract.WriteOK(w, f.cfg.Server.Slug, http.StatusOK, updated)
	return nil
}

// deleteRecord serves DELETE /svcconfig/delete/:id. Deleting an absent
// record succeeds; the body reports what was actually removed. A
// record's policies go with it.
func (f *Facilitator) deleteRecord(w http.ResponseWriter, r *http.Request, ps httprouter.Params) error {
	key := ps.ByName("id")
	removed, err := f.store.DeleteRecord(r.Context(), key)
	if err != nil {
		return err
	}
	policiesRemoved, err := f.store.DeletePolicies(r.Context(), key)
	if err != nil {
		return err
	}
	if removed {
		f.writes.Add(1)
		f.refreshPublished(r.Context())
	}
	contract.WriteOK(w, f.cfg.Server.Slug, http.StatusOK, map[string]any{
		"deleted":         removed,
		"policiesRemoved": policiesRemoved,
	})
	return nil
}

// createPolicy serves PUT /policy/create. The policy key is its
// identity, so re-creating replaces in place.
func (f *Facilitator) createPolicy(w http.ResponseWriter, r *http.Request, ps httprouter.Params) error {
	if verb := ps.ByName("verb"); verb != "create" {
		return errors.ErrMethodNotAllowed.WithDetailf(
			"PUT /policy/%s is not supported; create with PUT .../policy/create", verb)
	}
	var p contract.RoutePolicy
	if err := decodeBody(r, &p); err != nil {
		return err
	}
	p, err := p.Normalize()
	if err != nil {
		return err
	}
	if _, ok, err := f.store.GetRecord(r.Context(), p.SvcconfigID); err != nil {
		return err
	} else if !ok {
		return errors.ErrNotFound.WithDetailf("parent %s is not registered", p.SvcconfigID)
	}
	if err := f.store.PutPolicy(r.Context(), p); err != nil {
		return err
	}
	f.writes.Add(1)
	contract.WriteOK(w, f.cfg.Server.Slug, http.StatusCreated, p)
	return nil
}

// readPolicies serves GET /policy/read/:id, listing a record's policies.
func (f *Facilitator) readPolicies(w http.ResponseWriter, r *http.Request, ps httprouter.Params) error {
	key := ps.ByName("id")
	policies, err := f.store.ListPolicies(r.Context(), key)
	if err != nil {
		return err
	}
	contract.WriteOK(w, f.cfg.Server.Slug, http.StatusOK, map[string]any{
		"svcconfigId": key,
		"policies":    policies,
		"count":       len(policies),
	})
	return nil
}

// deletePolicies serves DELETE /policy/delete/:id, dropping every policy
// under the record. Idempotent like the record delete.
func (f *Facilitator) deletePolicies(w http.ResponseWriter, r *http.Request, ps httprouter.Params) error {
	key := ps.ByName("id")
	n, err := f.store.DeletePolicies(r.Context(), key)
	if err != nil {
		return err
	}
	f.writes.Add(1)
	contract.WriteOK(w, f.cfg.Server.Slug, http.StatusOK, map[string]any{"deleted": n})
	return nil
}

// recordETag hashes the canonical record JSON with the etag field
// cleared, so the hash never covers itself.
func recordETag(rec contract.ServiceConfigRecord) string {
	rec.ETag = ""
	b, err := json.Marshal(rec)
	if err != nil {
		return ""
	}
	return fmt.Sprintf("%016x", xxhash.Sum64(b))
}

// parseVersionSegment reads the v-prefixed version path segment.
func parseVersionSegment(seg string) (int, error) {
	if !strings.HasPrefix(seg, "v") {
		return 0, errors.Validation(errors.CodeBadRequest, "version", fmt.Sprintf("%q must be v<major>", seg))
	}
	n, err := strconv.Atoi(seg[1:])
	if err != nil || n < 1 {
		return 0, errors.Validation(errors.CodeBadRequest, "version", fmt.Sprintf("%q must be v<major> with major >= 1", seg))
	}
	return n, nil
}

func decodeBody(r *http.Request, v any) error {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return errors.Validation(errors.CodeBadRequest, "body", err.Error())
	}
	if len(body) == 0 {
		return errors.Validation(errors.CodeBadRequest, "body", "must not be empty")
	}
	if err := json.Unmarshal(body, v); err != nil {
		return errors.Validation(errors.CodeBadRequest, "body", err.Error())
	}
	return nil
}

func writeJSON(w http.ResponseWriter, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return errors.Wrapf(err, errors.CodeInternal, http.StatusInternalServerError, "response serialization failed")
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(b)
	return nil
}
