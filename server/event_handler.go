package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"PartyFM/core/auth"
	"PartyFM/core/errs"
	"PartyFM/core/party"
	"PartyFM/logger"
	"PartyFM/model"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

// EventHandler 活动 HTTP 处理器
type EventHandler struct {
	manager  *party.Manager
	upgrader websocket.Upgrader
}

// NewEventHandler 创建活动处理器
func NewEventHandler(manager *party.Manager) *EventHandler {
	return &EventHandler{
		manager: manager,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// writeError 按错误类别映射 HTTP 状态码，响应体携带结构化错误
func writeError(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(errs.HTTPStatus(err))
	json.NewEncoder(w).Encode(map[string]string{
		"code":    errs.Code(err),
		"message": err.Error(),
	})
}

// writeJSON 输出 JSON 响应
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// contextUserID 从请求上下文取出认证用户
func contextUserID(r *http.Request) (int64, bool) {
	userID, ok := r.Context().Value("userID").(int64)
	return userID, ok
}

// ========== HTTP 处理器 ==========

// CreateEventRequest 创建活动请求
type CreateEventRequest struct {
	Name string `json:"name"`
}

// CreateEventHandler 创建活动
func (h *EventHandler) CreateEventHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := contextUserID(r)
	if !ok {
		http.Error(w, "未授权", http.StatusUnauthorized)
		return
	}
	username, _ := r.Context().Value("username").(string)

	var req CreateEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "无效的请求", http.StatusBadRequest)
		return
	}
	if req.Name == "" {
		req.Name = username + "的活动"
	}

	event, err := h.manager.CreateEvent(r.Context(), userID, req.Name)
	if err != nil {
		logger.Error("创建活动失败", logger.ErrorField(err))
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]interface{}{"event": event})
}

// JoinEventRequest 加入活动请求
type JoinEventRequest struct {
	EventID string `json:"eventId"`
}

// JoinEventHandler 加入活动
func (h *EventHandler) JoinEventHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := contextUserID(r)
	if !ok {
		http.Error(w, "未授权", http.StatusUnauthorized)
		return
	}

	var req JoinEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "无效的请求", http.StatusBadRequest)
		return
	}
	if req.EventID == "" {
		http.Error(w, "活动ID不能为空", http.StatusBadRequest)
		return
	}

	event, participant, err := h.manager.JoinEvent(r.Context(), req.EventID, userID)
	if err != nil {
		logger.Warn("加入活动失败", logger.ErrorField(err))
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"event":       event,
		"participant": participant,
	})
}

// LeaveEventHandler 离开活动
func (h *EventHandler) LeaveEventHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := contextUserID(r)
	if !ok {
		http.Error(w, "未授权", http.StatusUnauthorized)
		return
	}

	var req JoinEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "无效的请求", http.StatusBadRequest)
		return
	}

	if err := h.manager.LeaveEvent(r.Context(), req.EventID, userID); err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"message": "已离开活动"})
}

// EndEventHandler 结束活动（仅创建者）
func (h *EventHandler) EndEventHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := contextUserID(r)
	if !ok {
		http.Error(w, "未授权", http.StatusUnauthorized)
		return
	}

	eventID := mux.Vars(r)["event_id"]
	if err := h.manager.EndEvent(r.Context(), eventID, userID); err != nil {
		logger.Warn("结束活动失败", logger.ErrorField(err))
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"message": "活动已结束"})
}

// GetEventHandler 获取活动信息
func (h *EventHandler) GetEventHandler(w http.ResponseWriter, r *http.Request) {
	eventID := mux.Vars(r)["event_id"]
	if eventID == "" {
		http.Error(w, "活动ID不能为空", http.StatusBadRequest)
		return
	}

	info, err := h.manager.GetEventInfo(r.Context(), eventID)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, info)
}

// GetQueueHandler 获取活动队列
func (h *EventHandler) GetQueueHandler(w http.ResponseWriter, r *http.Request) {
	eventID := mux.Vars(r)["event_id"]

	entries, err := h.manager.QueueEntries(r.Context(), eventID)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"queue": entries})
}

// GetScoresHandler 获取活动曲目得分
func (h *EventHandler) GetScoresHandler(w http.ResponseWriter, r *http.Request) {
	eventID := mux.Vars(r)["event_id"]

	scores, err := h.manager.TrackScores(r.Context(), eventID)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"scores": scores})
}

// AddQueueTrackRequest 追加曲目请求
type AddQueueTrackRequest struct {
	TrackID  string  `json:"trackId"`
	Title    string  `json:"title"`
	Artist   string  `json:"artist"`
	Duration float64 `json:"duration"` // 秒
}

// AddQueueTrackHandler 追加曲目到队尾
func (h *EventHandler) AddQueueTrackHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := contextUserID(r)
	if !ok {
		http.Error(w, "未授权", http.StatusUnauthorized)
		return
	}

	eventID := mux.Vars(r)["event_id"]

	var req AddQueueTrackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "无效的请求", http.StatusBadRequest)
		return
	}
	if req.TrackID == "" {
		http.Error(w, "曲目ID不能为空", http.StatusBadRequest)
		return
	}
	if req.Duration <= 0 {
		http.Error(w, "曲目时长必须大于0", http.StatusBadRequest)
		return
	}

	entry, err := h.manager.AddTrackToQueue(r.Context(), eventID, userID, &model.Track{
		ID:       req.TrackID,
		Title:    req.Title,
		Artist:   req.Artist,
		Duration: req.Duration,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]interface{}{"entry": entry})
}

// RemoveQueueTrackHandler 把曲目移出队列
func (h *EventHandler) RemoveQueueTrackHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := contextUserID(r)
	if !ok {
		http.Error(w, "未授权", http.StatusUnauthorized)
		return
	}

	vars := mux.Vars(r)
	if err := h.manager.RemoveTrackFromQueue(r.Context(), vars["event_id"], userID, vars["track_id"]); err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"message": "已移出队列"})
}

// UpdateRoleRequest 调整角色请求
type UpdateRoleRequest struct {
	UserID int64  `json:"userId"`
	Role   string `json:"role"`
}

// UpdateRoleHandler 调整参与者角色（仅创建者）
func (h *EventHandler) UpdateRoleHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := contextUserID(r)
	if !ok {
		http.Error(w, "未授权", http.StatusUnauthorized)
		return
	}

	eventID := mux.Vars(r)["event_id"]

	var req UpdateRoleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "无效的请求", http.StatusBadRequest)
		return
	}

	if err := h.manager.UpdateParticipantRole(r.Context(), eventID, userID, req.UserID, req.Role); err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"message": "角色已更新"})
}

// GrantDelegationRequest 授予委托请求
type GrantDelegationRequest struct {
	EventID         string `json:"eventId"`
	DelegateID      int64  `json:"delegateId"`
	DurationSeconds int64  `json:"durationSeconds"`
}

// GrantDelegationHandler 授予播放控制委托
func (h *EventHandler) GrantDelegationHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := contextUserID(r)
	if !ok {
		http.Error(w, "未授权", http.StatusUnauthorized)
		return
	}

	var req GrantDelegationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "无效的请求", http.StatusBadRequest)
		return
	}

	grant, err := h.manager.GrantDelegation(r.Context(), req.EventID, userID, req.DelegateID,
		time.Duration(req.DurationSeconds)*time.Second)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, grant)
}

// RevokeDelegationRequest 撤销委托请求
type RevokeDelegationRequest struct {
	DelegateID int64 `json:"delegateId"`
}

// RevokeDelegationHandler 撤销播放控制委托
func (h *EventHandler) RevokeDelegationHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := contextUserID(r)
	if !ok {
		http.Error(w, "未授权", http.StatusUnauthorized)
		return
	}

	var req RevokeDelegationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "无效的请求", http.StatusBadRequest)
		return
	}

	if err := h.manager.RevokeDelegation(r.Context(), userID, req.DelegateID); err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"message": "委托已撤销"})
}

// ========== WebSocket 处理器 ==========

// WebSocketHandler 处理 WebSocket 连接。
// WebSocket 无法通过 header 传递 token，从查询参数取并在升级前校验。
func (h *EventHandler) WebSocketHandler(w http.ResponseWriter, r *http.Request) {
	eventID := mux.Vars(r)["event_id"]
	if eventID == "" {
		http.Error(w, "活动ID不能为空", http.StatusBadRequest)
		return
	}

	token := r.URL.Query().Get("token")
	if token == "" {
		http.Error(w, "缺少认证信息", http.StatusUnauthorized)
		return
	}
	claims, err := auth.ParseToken(token)
	if err != nil {
		http.Error(w, "无效的认证信息", http.StatusUnauthorized)
		return
	}

	deviceID := r.URL.Query().Get("deviceId")
	if deviceID == "" {
		deviceID = uuid.NewString()
	}

	// 检查活动是否存在且仍在进行
	event, err := h.manager.GetEventInfo(r.Context(), eventID)
	if err != nil || event == nil {
		http.Error(w, "活动不存在", http.StatusNotFound)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Error("WebSocket 升级失败", logger.ErrorField(err))
		return
	}

	hub := h.manager.GetHub()
	client := party.NewClient(hub, conn, uuid.NewString(), eventID, deviceID, claims.UserID, claims.Username)

	hub.Register(client)
	hub.Subscribe(client, party.UserTopic(claims.UserID))
	hub.Subscribe(client, party.DeviceTopic(deviceID))
	hub.Subscribe(client, party.EventDetailTopic(eventID))
	hub.Subscribe(client, party.EventPlaylistTopic(eventID))
	// 活动组订阅放最后：首订阅/普通订阅钩子会触发一次性时间同步
	hub.Subscribe(client, party.EventTopic(eventID))

	go client.WritePump()
	go client.ReadPump(context.Background(), h.manager.Presence(), h.manager.HandleMessage)

	logger.Info("WebSocket 连接建立",
		logger.String("eventId", eventID),
		logger.Int64("userId", claims.UserID),
		logger.String("username", claims.Username))
}

// RegisterEventRoutes 注册活动相关路由
func RegisterEventRoutes(router *mux.Router, handler *EventHandler, authMiddleware func(http.HandlerFunc) http.HandlerFunc) {
	router.HandleFunc("/api/events", authMiddleware(handler.CreateEventHandler)).Methods(http.MethodPost)
	router.HandleFunc("/api/events/join", authMiddleware(handler.JoinEventHandler)).Methods(http.MethodPost)
	router.HandleFunc("/api/events/leave", authMiddleware(handler.LeaveEventHandler)).Methods(http.MethodPost)
	router.HandleFunc("/api/events/delegations/grant", authMiddleware(handler.GrantDelegationHandler)).Methods(http.MethodPost)
	router.HandleFunc("/api/events/delegations/revoke", authMiddleware(handler.RevokeDelegationHandler)).Methods(http.MethodPost)
	router.HandleFunc("/api/events/{event_id}", authMiddleware(handler.GetEventHandler)).Methods(http.MethodGet)
	router.HandleFunc("/api/events/{event_id}", authMiddleware(handler.EndEventHandler)).Methods(http.MethodDelete)
	router.HandleFunc("/api/events/{event_id}/queue", authMiddleware(handler.GetQueueHandler)).Methods(http.MethodGet)
	router.HandleFunc("/api/events/{event_id}/queue", authMiddleware(handler.AddQueueTrackHandler)).Methods(http.MethodPost)
	router.HandleFunc("/api/events/{event_id}/queue/{track_id}", authMiddleware(handler.RemoveQueueTrackHandler)).Methods(http.MethodDelete)
	router.HandleFunc("/api/events/{event_id}/scores", authMiddleware(handler.GetScoresHandler)).Methods(http.MethodGet)
	router.HandleFunc("/api/events/{event_id}/role", authMiddleware(handler.UpdateRoleHandler)).Methods(http.MethodPut)

	// WebSocket 升级端点自带 token 校验，不走 header 中间件
	router.HandleFunc("/ws/events/{event_id}", handler.WebSocketHandler)
}
