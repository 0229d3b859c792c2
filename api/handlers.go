package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"slices"
	"strconv"

	"github.com/c360/openhim-core/chunkstore"
	"github.com/c360/openhim-core/errors"
	"github.com/c360/openhim-core/projector"
	"github.com/c360/openhim-core/rbac"
	"github.com/c360/openhim-core/transaction"
)

// maxCreateBody bounds the JSON document accepted by POST /transactions
const maxCreateBody = 64 << 20

// listQuery holds the parsed filter parameters of a list request
type listQuery struct {
	rep       projector.Representation
	page      int
	limit     int
	channelID string
}

func parseListQuery(r *http.Request) (listQuery, error) {
	q := r.URL.Query()
	rep, err := projector.ParseRepresentation(q.Get("filterRepresentation"))
	if err != nil {
		return listQuery{}, err
	}

	out := listQuery{rep: rep, channelID: q.Get("channelID")}
	for _, p := range []struct {
		name string
		dst  *int
	}{{"filterPage", &out.page}, {"filterLimit", &out.limit}} {
		raw := q.Get(p.name)
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return listQuery{}, errors.WrapInvalid(fmt.Errorf("%s must be a non-negative integer", p.name),
				"API", "parseListQuery", "parse "+p.name)
		}
		*p.dst = n
	}
	return out, nil
}

func (s *Server) user(r *http.Request) rbac.User {
	u, _ := UserFromContext(r.Context())
	return u
}

// viewableFilter restricts filter to the channels user may view. An explicit
// channel the user cannot view is refused rather than silently emptied.
func (s *Server) viewableFilter(r *http.Request, q listQuery, filter *transaction.Filter) (int, string, error) {
	user := s.user(r)
	channels, err := s.resolver.ViewableChannels(r.Context(), user)
	if err != nil {
		return 0, "", err
	}
	ids := rbac.ChannelIDs(channels)

	if q.channelID != "" {
		if !slices.Contains(ids, q.channelID) {
			return http.StatusForbidden,
				fmt.Sprintf("user %s is not authorized to access channel %s", user.Name, q.channelID), nil
		}
		ids = []string{q.channelID}
	}
	filter.ChannelIDs = ids
	return 0, "", nil
}

func (s *Server) handleListTransactions(w http.ResponseWriter, r *http.Request) {
	s.listTransactions(w, r, "")
}

func (s *Server) handleClientTransactions(w http.ResponseWriter, r *http.Request) {
	s.listTransactions(w, r, r.PathValue("clientId"))
}

func (s *Server) listTransactions(w http.ResponseWriter, r *http.Request, clientID string) {
	q, err := parseListQuery(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	filter := transaction.Filter{ClientID: clientID, Page: q.page, Limit: q.limit}
	if status, msg, err := s.viewableFilter(r, q, &filter); err != nil {
		s.fail(w, r, err)
		return
	} else if status != 0 {
		s.writeError(w, r, status, msg)
		return
	}

	txs, err := s.txs.List(r.Context(), filter)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	if q.rep.IncludesBodies() {
		txs, err = s.hydrator.HydrateBatch(r.Context(), txs)
		if err != nil {
			s.writeError(w, r, http.StatusInternalServerError, "could not load transaction bodies")
			return
		}
	}

	s.writeJSON(w, http.StatusOK, s.projector.RenderAll(txs, q.rep))
}

func (s *Server) handleGetTransaction(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := transaction.ValidateID(id); err != nil {
		s.fail(w, r, err)
		return
	}

	// A single transaction is returned with its bodies unless asked otherwise
	rep := projector.Full
	if raw := r.URL.Query().Get("filterRepresentation"); raw != "" {
		var err error
		if rep, err = projector.ParseRepresentation(raw); err != nil {
			s.fail(w, r, err)
			return
		}
	}

	tx, err := s.txs.Get(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	user := s.user(r)
	ok, err := s.resolver.CanAccess(r.Context(), user, rbac.ScopeView, tx.ChannelID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if !ok {
		s.writeError(w, r, http.StatusForbidden,
			fmt.Sprintf("user %s is not authorized to access transaction %s", user.Name, id))
		return
	}

	if rep.IncludesBodies() {
		if tx, err = s.hydrator.Hydrate(r.Context(), tx); err != nil {
			s.writeError(w, r, http.StatusInternalServerError, "could not load transaction bodies")
			return
		}
	}
	s.writeJSON(w, http.StatusOK, s.projector.Render(tx, rep))
}

func (s *Server) handleCreateTransaction(w http.ResponseWriter, r *http.Request) {
	if err := s.gate.Check(r.Context(), s.user(r), rbac.PermTransactionManageAll, "addTransaction"); err != nil {
		s.fail(w, r, err)
		return
	}

	var tx transaction.Transaction
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxCreateBody))
	if err := dec.Decode(&tx); err != nil {
		s.writeError(w, r, http.StatusBadRequest, "invalid transaction document: "+err.Error())
		return
	}

	tx.ClearBodyReferences()
	stored, err := s.extractBodies(r, &tx)
	if err != nil {
		s.discard(stored)
		s.fail(w, r, err)
		return
	}

	if err := s.txs.Create(r.Context(), &tx); err != nil {
		s.discard(stored)
		s.fail(w, r, err)
		return
	}

	s.logger.Info("Transaction created", "id", tx.ID, "channel", tx.ChannelID,
		"bodies", len(stored), "user", s.user(r).Name)
	s.writeJSON(w, http.StatusCreated, map[string]string{"_id": tx.ID})
}

// extractBodies moves the inline request and response bodies of tx into the
// chunk store and returns the references written so far
func (s *Server) extractBodies(r *http.Request, tx *transaction.Transaction) ([]chunkstore.Reference, error) {
	var stored []chunkstore.Reference
	move := func(body **string, bodyID *string) error {
		if *body == nil || **body == "" {
			*body = nil
			return nil
		}
		ref, err := s.bodies.StoreValue(r.Context(), **body)
		if err != nil {
			return err
		}
		stored = append(stored, ref)
		*bodyID = ref.String()
		*body = nil
		return nil
	}

	if tx.Request != nil {
		if err := move(&tx.Request.Body, &tx.Request.BodyID); err != nil {
			return stored, err
		}
	}
	if tx.Response != nil {
		if err := move(&tx.Response.Body, &tx.Response.BodyID); err != nil {
			return stored, err
		}
	}
	return stored, nil
}

func (s *Server) discard(refs []chunkstore.Reference) {
	if len(refs) == 0 || s.reclaimer == nil {
		return
	}
	if err := s.reclaimer.Reclaim(refs...); err != nil {
		s.logger.Warn("Failed to queue orphaned bodies", "count", len(refs), "error", err)
	}
}

func (s *Server) handleDeleteTransaction(w http.ResponseWriter, r *http.Request) {
	if err := s.gate.Check(r.Context(), s.user(r), rbac.PermTransactionManageAll, "removeTransaction"); err != nil {
		s.fail(w, r, err)
		return
	}

	id := r.PathValue("id")
	if err := transaction.ValidateID(id); err != nil {
		s.fail(w, r, err)
		return
	}

	tx, err := s.txs.Get(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.txs.Delete(r.Context(), id); err != nil {
		s.fail(w, r, err)
		return
	}

	var refs []chunkstore.Reference
	for _, raw := range tx.BodyReferences() {
		ref, err := chunkstore.ParseReference(raw)
		if err != nil {
			s.logger.Warn("Skipping malformed body reference", "transaction", id, "reference", raw)
			continue
		}
		refs = append(refs, ref)
	}
	s.discard(refs)

	s.writeJSON(w, http.StatusOK, map[string]string{"message": "Transaction successfully deleted"})
}

type myChannels struct {
	Viewable   []rbac.Channel `json:"viewable"`
	Rerunnable []rbac.Channel `json:"rerunnable"`
}

func (s *Server) handleMyChannels(w http.ResponseWriter, r *http.Request) {
	user := s.user(r)
	viewable, err := s.resolver.ViewableChannels(r.Context(), user)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	rerunnable, err := s.resolver.RerunnableChannels(r.Context(), user)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, myChannels{Viewable: viewable, Rerunnable: rerunnable})
}
