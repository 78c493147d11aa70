package httpserver

import (
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"voicecast/internal/broadcast"
	"voicecast/internal/selection"
)

// UserHeader carries the caller id set by the authenticating gateway.
const UserHeader = "X-User-ID"

const maxBodyBytes = 64 << 10

type createBroadcastRequest struct {
	AudioRef       string `json:"audio_ref"`
	ContentType    string `json:"content_type"`
	Content        string `json:"content"`
	RecipientCount int    `json:"recipient_count"`
	Filters        struct {
		Gender   string `json:"gender"`
		AgeGroup string `json:"age_group"`
		Region   string `json:"region"`
	} `json:"filters"`
}

type replyRequest struct {
	BroadcastID string `json:"broadcast_id"`
	VoiceRef    string `json:"voice_ref"`
	Text        string `json:"text"`
}

type readRequest struct {
	BroadcastID string `json:"broadcast_id"`
}

func (s *Server) handleCreateBroadcast(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	userID, ok := s.caller(w, r)
	if !ok {
		return
	}
	var body createBroadcastRequest
	if !s.decode(w, r, &body) {
		return
	}

	res, err := s.deps.Broadcasts.CreateAndDispatch(r.Context(), broadcast.Request{
		SenderID:       userID,
		AudioRef:       body.AudioRef,
		ContentType:    body.ContentType,
		Content:        body.Content,
		RecipientCount: body.RecipientCount,
		Filters: selection.Filters{
			Gender:   body.Filters.Gender,
			AgeGroup: body.Filters.AgeGroup,
			Region:   body.Filters.Region,
		},
	})
	if err != nil {
		s.writeError(w, err)
		return
	}

	status := http.StatusCreated
	if res.Pending {
		status = http.StatusAccepted
	}
	writeJSON(w, status, map[string]any{
		"success":         true,
		"broadcast_id":    res.Broadcast.ID,
		"recipient_count": res.RecipientCount,
		"pending":         res.Pending,
	})
}

func (s *Server) handleLimits(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	userID, ok := s.caller(w, r)
	if !ok {
		return
	}

	st, err := s.deps.Broadcasts.GetLimitStatus(r.Context(), userID)
	if err != nil {
		s.writeError(w, err)
		return
	}

	body := map[string]any{
		"daily_limit":      st.DailyLimit,
		"daily_used":       st.DailyUsed,
		"daily_remaining":  st.DailyRemaining,
		"hourly_limit":     st.HourlyLimit,
		"hourly_used":      st.HourlyUsed,
		"cooldown_minutes": st.CooldownMinutes,
		"next_reset_at":    st.NextResetAt.Format(time.RFC3339),
		"can_broadcast":    st.CanBroadcast,
	}
	if st.CooldownEndsAt != nil {
		body["cooldown_ends_at"] = st.CooldownEndsAt.Format(time.RFC3339)
	}
	if st.Reason != "" {
		body["reason"] = st.Reason
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleReply(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	userID, ok := s.caller(w, r)
	if !ok {
		return
	}
	var body replyRequest
	if !s.decode(w, r, &body) {
		return
	}

	res, err := s.deps.Broadcasts.ReplyToBroadcast(r.Context(), userID, body.BroadcastID, broadcast.ReplyRequest{
		VoiceRef: body.VoiceRef,
		Text:     body.Text,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"success":         true,
		"conversation_id": res.ConversationID,
		"message_id":      res.MessageID,
	})
}

func (s *Server) handleRead(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	userID, ok := s.caller(w, r)
	if !ok {
		return
	}
	var body readRequest
	if !s.decode(w, r, &body) {
		return
	}

	changed, err := s.deps.Broadcasts.MarkBroadcastRead(r.Context(), userID, body.BroadcastID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "changed": changed})
}

func (s *Server) caller(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := strings.TrimSpace(r.Header.Get(UserHeader))
	if id == "" {
		writeJSON(w, http.StatusUnauthorized, map[string]any{
			"success":    false,
			"error_code": "UNAUTHORIZED",
			"message":    "missing caller identity",
		})
		return "", false
	}
	return id, true
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"success":    false,
			"error_code": broadcast.CodeValidation,
			"message":    "invalid request body",
		})
		return false
	}
	return true
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	var rej *broadcast.Rejection
	if !errors.As(err, &rej) {
		s.logger.Error("unclassified broadcast error", "error", err)
		if s.metrics != nil {
			s.metrics.Errors.WithLabelValues("http").Inc()
		}
		rej = &broadcast.Rejection{Code: broadcast.CodeInternal, Detail: "something went wrong, please try again later"}
	}

	body := map[string]any{
		"success":    false,
		"error_code": rej.Code,
		"message":    rej.Detail,
	}
	if rej.Limit != nil {
		body["daily_limit"] = rej.Limit.DailyLimit
		body["daily_used"] = rej.Limit.DailyUsed
		body["daily_remaining"] = rej.Limit.DailyRemaining
		body["next_reset_at"] = rej.Limit.NextResetAt.Format(time.RFC3339)
		if rej.Limit.CooldownEndsAt != nil {
			body["cooldown_ends_at"] = rej.Limit.CooldownEndsAt.Format(time.RFC3339)
		}
		if rej.Limit.RetryAfter > 0 {
			secs := int(math.Ceil(rej.Limit.RetryAfter.Seconds()))
			w.Header().Set("Retry-After", strconv.Itoa(secs))
		}
	}
	if rej.Code == broadcast.CodePaymentRequired {
		body["balance_needed"] = rej.BalanceNeeded
		body["current_balance"] = rej.CurrentBalance
	}
	writeJSON(w, rej.HTTPStatus(), body)
}
