package registry

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
)

const defaultMaxBodyBytes = 1 << 20

// HandlerConfig controls the HTTP API surface.
type HandlerConfig struct {
	MaxBodyBytes int64
}

// Handler exposes the registry over HTTP+JSON.
type Handler struct {
	log *slog.Logger
	cfg HandlerConfig
	reg *Registry
}

// NewHandler constructs an HTTP Handler for reg.
func NewHandler(log *slog.Logger, reg *Registry, cfg HandlerConfig) (*Handler, error) {
	if reg == nil {
		return nil, OpError{Op: "registry.NewHandler", Kind: ErrInvalidInput, Msg: "nil registry"}
	}
	if log == nil {
		log = slog.Default()
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	return &Handler{log: log, cfg: cfg, reg: reg}, nil
}

// Register wires registry routes onto the provided mux.
func (h *Handler) Register(mux *http.ServeMux) {
	if h == nil || mux == nil {
		return
	}
	mux.HandleFunc("/v1/add_or_update_user", h.handleAddOrUpdateUser)
	mux.HandleFunc("/v1/get_all_users", h.handleGetAllUsers)
}

func (h *Handler) handleAddOrUpdateUser(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	u, err := decodeUserBody(w, r, h.cfg.MaxBodyBytes)
	if err != nil {
		var de decodeError
		if !errors.As(err, &de) {
			de = decodeError{Code: codeInvalidJSON, Err: err}
		}
		h.log.Debug("registry.http.decode.fail", "code", de.Code, "err", err)
		writeError(w, r, http.StatusBadRequest, de.Code, de.PeerMessage())
		return
	}

	msg, err := h.reg.Upsert(r.Context(), u.Identity, u.AccountID, u.Balance)
	if err != nil {
		h.writeRegistryError(w, r, "registry.http.upsert.fail", err)
		return
	}

	writeJSON(w, r, http.StatusOK, addOrUpdateUserResponse{Message: msg})
}

func (h *Handler) handleGetAllUsers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	users, err := h.reg.ListAll(r.Context())
	if err != nil {
		h.writeRegistryError(w, r, "registry.http.list.fail", err)
		return
	}

	writeJSON(w, r, http.StatusOK, getAllUsersResponse{Users: toWireUsers(users)})
}

func (h *Handler) writeRegistryError(w http.ResponseWriter, r *http.Request, event string, err error) {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		// Client went away or the request deadline passed; nothing useful to send.
		h.log.Info(event, "err", err)
		writeError(w, r, http.StatusServiceUnavailable, "request_cancelled", "request cancelled")
	case IsUnavailable(err):
		h.log.Error(event, "err", err)
		writeError(w, r, http.StatusServiceUnavailable, "store_unavailable", "please retry later")
	default:
		h.log.Error(event, "err", err)
		writeError(w, r, http.StatusInternalServerError, "server_error", "internal error")
	}
}
