package handlers

import (
	"net/http"
	"regexp"

	"github.com/zedaapi/gateway/internal/balancer"
	"github.com/zedaapi/gateway/internal/events"
	"github.com/zedaapi/gateway/internal/messaging"
)

var numberPattern = regexp.MustCompile(`^\d+[.@\w-]+`)

type balancedSendRequest struct {
	Alias            string            `json:"alias" validate:"required"`
	Number           string            `json:"number" validate:"required"`
	Text             string            `json:"text" validate:"required"`
	Delay            int               `json:"delay"`
	Quoted           *messaging.Quoted `json:"quoted"`
	LinkPreview      *bool             `json:"linkPreview"`
	MentionsEveryOne bool              `json:"mentionsEveryOne"`
	Mentioned        []string          `json:"mentioned"`
}

type balancingInfo struct {
	Contact                string   `json:"contact"`
	GroupID                string   `json:"groupId"`
	LastUsedInstance       string   `json:"lastUsedInstance"`
	UsedInstancesInCycle   []string `json:"usedInstancesInCycle"`
	RotationCount          int      `json:"rotationCount"`
	GlobalLastUsedInstance string   `json:"globalLastUsedInstance"`
	GlobalRotationCount    int      `json:"globalRotationCount"`
}

// HandleSendTextWithGroupBalancing picks an instance for the contact via
// the group balancer, forwards the send, and echoes the rotation snapshot.
func HandleSendTextWithGroupBalancing(b *balancer.Balancer, sender messaging.TextSender, bus events.Emitter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req balancedSendRequest
		if err := decodeAndValidate(r, &req); err != nil {
			WriteError(w, http.StatusBadRequest, err.Error())
			return
		}
		if !numberPattern.MatchString(req.Number) {
			WriteError(w, http.StatusBadRequest, "number must start with digits")
			return
		}

		sel, err := b.SelectForContactInGroup(r.Context(), req.Alias, req.Number)
		if err != nil {
			WriteDomainError(w, err)
			return
		}

		result, err := sender.SendText(r.Context(), sel.Instance, messaging.TextPayload{
			Number:           req.Number,
			Text:             req.Text,
			Delay:            req.Delay,
			Quoted:           req.Quoted,
			LinkPreview:      req.LinkPreview,
			MentionsEveryOne: req.MentionsEveryOne,
			Mentioned:        req.Mentioned,
		})
		if err != nil {
			WriteError(w, http.StatusInternalServerError, err.Error())
			return
		}

		bus.Emit(events.SendMessage, sel.Instance, map[string]interface{}{
			"number":     req.Number,
			"groupAlias": sel.GroupAlias,
			"result":     result,
		})

		response := map[string]interface{}{}
		for k, v := range result {
			response[k] = v
		}
		response["instanceUsed"] = sel.Instance
		response["groupId"] = sel.GroupID
		response["groupAlias"] = sel.GroupAlias
		response["balancingInfo"] = balancingInfo{
			Contact:                sel.Contact,
			GroupID:                sel.GroupID,
			LastUsedInstance:       sel.LastUsedInstance,
			UsedInstancesInCycle:   sel.UsedInstancesInCycle,
			RotationCount:          sel.RotationCount,
			GlobalLastUsedInstance: sel.GlobalLastUsedInstance,
			GlobalRotationCount:    sel.GlobalRotationCount,
		}
		WriteJSON(w, http.StatusOK, response)
	}
}
