// Package handlers contains the HTTP handlers for the public API surface.
package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"

	"github.com/zedaapi/gateway/internal/groups"
	"github.com/zedaapi/gateway/internal/instances"
)

var validate = validator.New()

type groupPayload struct {
	Name        string   `json:"name" validate:"required,min=1,max=100"`
	Alias       string   `json:"alias" validate:"omitempty,min=1,max=100"`
	Description string   `json:"description" validate:"max=500"`
	Enabled     *bool    `json:"enabled"`
	Instances   []string `json:"instances" validate:"required,min=1,unique,dive,required"`
}

// apply copies the payload onto a group record, deriving the alias from the
// name when none was given.
func (p *groupPayload) apply(g *groups.InstanceGroup) {
	g.Name = p.Name
	g.Alias = p.Alias
	if g.Alias == "" {
		g.Alias = groups.TransformToAlias(p.Name)
	}
	g.Description = p.Description
	g.Enabled = p.Enabled == nil || *p.Enabled
	g.Instances = p.Instances
}

func decodeAndValidate(r *http.Request, dst interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return validate.Struct(dst)
}

// checkMembers rejects instance names the registry has never seen.
func checkMembers(registry instances.StateReader, names []string) error {
	for _, n := range names {
		if !registry.Exists(n) {
			return fmt.Errorf("instance %q does not exist", n)
		}
	}
	return nil
}

// HandleCreateGroup creates an instance group.
func HandleCreateGroup(repo groups.Repository, registry instances.StateReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var payload groupPayload
		if err := decodeAndValidate(r, &payload); err != nil {
			WriteError(w, http.StatusBadRequest, err.Error())
			return
		}

		var g groups.InstanceGroup
		payload.apply(&g)
		if err := g.Validate(); err != nil {
			WriteError(w, http.StatusBadRequest, err.Error())
			return
		}
		if err := checkMembers(registry, g.Instances); err != nil {
			WriteError(w, http.StatusBadRequest, err.Error())
			return
		}
		if err := repo.Create(r.Context(), &g); err != nil {
			WriteDomainError(w, err)
			return
		}
		WriteJSON(w, http.StatusCreated, g)
	}
}

// HandleListGroups lists every instance group.
func HandleListGroups(repo groups.Repository) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		list, err := repo.List(r.Context())
		if err != nil {
			WriteDomainError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, list)
	}
}

// HandleGetGroup fetches a group by id, name or alias depending on which
// route variable is present.
func HandleGetGroup(repo groups.Repository) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		vars := mux.Vars(r)
		var (
			g   *groups.InstanceGroup
			err error
		)
		switch {
		case vars["name"] != "":
			g, err = repo.GetByName(r.Context(), vars["name"])
		case vars["alias"] != "":
			g, err = repo.GetByAlias(r.Context(), vars["alias"])
		default:
			g, err = repo.GetByID(r.Context(), vars["id"])
		}
		if err != nil {
			WriteDomainError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, g)
	}
}

// HandleUpdateGroup replaces the mutable fields of a group.
func HandleUpdateGroup(repo groups.Repository, registry instances.StateReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		g, err := repo.GetByID(r.Context(), mux.Vars(r)["id"])
		if err != nil {
			WriteDomainError(w, err)
			return
		}

		var payload groupPayload
		if err := decodeAndValidate(r, &payload); err != nil {
			WriteError(w, http.StatusBadRequest, err.Error())
			return
		}
		payload.apply(g)
		if err := g.Validate(); err != nil {
			WriteError(w, http.StatusBadRequest, err.Error())
			return
		}
		if err := checkMembers(registry, g.Instances); err != nil {
			WriteError(w, http.StatusBadRequest, err.Error())
			return
		}
		if err := repo.Update(r.Context(), g); err != nil {
			WriteDomainError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, g)
	}
}

// HandleDeleteGroup removes a group.
func HandleDeleteGroup(repo groups.Repository) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]
		if err := repo.Delete(r.Context(), id); err != nil {
			WriteDomainError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]string{"deleted": id})
	}
}

type memberPayload struct {
	InstanceName string `json:"instanceName" validate:"required"`
}

// HandleAddInstance adds a member to a group.
func HandleAddInstance(repo groups.Repository, registry instances.StateReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		g, err := repo.GetByID(r.Context(), mux.Vars(r)["id"])
		if err != nil {
			WriteDomainError(w, err)
			return
		}

		var payload memberPayload
		if err := decodeAndValidate(r, &payload); err != nil {
			WriteError(w, http.StatusBadRequest, err.Error())
			return
		}
		if !registry.Exists(payload.InstanceName) {
			WriteError(w, http.StatusBadRequest,
				fmt.Sprintf("instance %q does not exist", payload.InstanceName))
			return
		}
		if err := g.AddInstance(payload.InstanceName); err != nil {
			WriteError(w, http.StatusBadRequest, err.Error())
			return
		}
		if err := repo.Update(r.Context(), g); err != nil {
			WriteDomainError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, g)
	}
}

// HandleRemoveInstance removes a member; the last member cannot be removed.
func HandleRemoveInstance(repo groups.Repository) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		g, err := repo.GetByID(r.Context(), mux.Vars(r)["id"])
		if err != nil {
			WriteDomainError(w, err)
			return
		}

		var payload memberPayload
		if err := decodeAndValidate(r, &payload); err != nil {
			WriteError(w, http.StatusBadRequest, err.Error())
			return
		}
		if err := g.RemoveInstance(payload.InstanceName); err != nil {
			WriteError(w, http.StatusBadRequest, err.Error())
			return
		}
		if err := repo.Update(r.Context(), g); err != nil {
			WriteDomainError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, g)
	}
}

// HandleActiveInstances lists the currently connected members of a group.
func HandleActiveInstances(repo groups.Repository, registry instances.StateReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		g, err := repo.GetByID(r.Context(), mux.Vars(r)["id"])
		if err != nil {
			WriteDomainError(w, err)
			return
		}
		active := make([]string, 0, len(g.Instances))
		for _, n := range g.Instances {
			if registry.State(n) == instances.StateOpen {
				active = append(active, n)
			}
		}
		WriteJSON(w, http.StatusOK, map[string]interface{}{
			"groupId":         g.ID,
			"alias":           g.Alias,
			"activeInstances": active,
			"count":           len(active),
		})
	}
}

// HandleGroupStats reports per-member connection health.
func HandleGroupStats(repo groups.Repository, registry instances.StateReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		g, err := repo.GetByID(r.Context(), mux.Vars(r)["id"])
		if err != nil {
			WriteDomainError(w, err)
			return
		}

		type memberHealth struct {
			Name      string `json:"name"`
			State     string `json:"state"`
			Connected bool   `json:"connected"`
		}
		members := make([]memberHealth, 0, len(g.Instances))
		active := 0
		for _, n := range g.Instances {
			state := registry.State(n)
			connected := state == instances.StateOpen
			if connected {
				active++
			}
			members = append(members, memberHealth{Name: n, State: state, Connected: connected})
		}
		WriteJSON(w, http.StatusOK, map[string]interface{}{
			"groupId":   g.ID,
			"alias":     g.Alias,
			"enabled":   g.Enabled,
			"total":     len(g.Instances),
			"active":    active,
			"instances": members,
		})
	}
}
