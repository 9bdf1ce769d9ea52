package server

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"PartyFM/logger"
	"PartyFM/repository"
	"PartyFM/storage"

	"github.com/gorilla/mux"
)

// maxCoverSize 封面文件大小上限
const maxCoverSize = 5 << 20 // 5MB

// TrackHandler 曲目元数据处理器
type TrackHandler struct {
	queueRepo repository.QueueRepository
}

// NewTrackHandler 创建曲目处理器
func NewTrackHandler(queueRepo repository.QueueRepository) *TrackHandler {
	return &TrackHandler{queueRepo: queueRepo}
}

// GetTrackHandler 获取曲目元数据
func (h *TrackHandler) GetTrackHandler(w http.ResponseWriter, r *http.Request) {
	trackID := mux.Vars(r)["track_id"]

	track, err := h.queueRepo.GetTrack(r.Context(), trackID)
	if err != nil {
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	if track == nil {
		http.Error(w, "Track not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(track)
}

// UploadCoverHandler 上传曲目封面到 MinIO 并回写封面地址
func (h *TrackHandler) UploadCoverHandler(w http.ResponseWriter, r *http.Request) {
	trackID := mux.Vars(r)["track_id"]

	track, err := h.queueRepo.GetTrack(r.Context(), trackID)
	if err != nil {
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	if track == nil {
		http.Error(w, "Track not found", http.StatusNotFound)
		return
	}

	if err := r.ParseMultipartForm(maxCoverSize); err != nil {
		http.Error(w, "File too large or malformed form", http.StatusBadRequest)
		return
	}

	file, header, err := r.FormFile("cover")
	if err != nil {
		http.Error(w, "Cover file is required", http.StatusBadRequest)
		return
	}
	defer file.Close()

	contentType := header.Header.Get("Content-Type")
	if !strings.HasPrefix(contentType, "image/") {
		http.Error(w, "Cover must be an image", http.StatusBadRequest)
		return
	}

	coverURL, err := storage.UploadCover(r.Context(), trackID, file, header.Size, contentType)
	if err != nil {
		logger.Error("上传封面失败", logger.ErrorField(err), logger.String("track", trackID))
		http.Error(w, "Failed to upload cover", http.StatusInternalServerError)
		return
	}

	if err := h.queueRepo.UpdateTrackCover(r.Context(), trackID, coverURL); err != nil {
		logger.Error("回写封面地址失败", logger.ErrorField(err), logger.String("track", trackID))
		http.Error(w, "Failed to save cover url", http.StatusInternalServerError)
		return
	}

	logger.Info("封面已更新", logger.String("track", trackID), logger.String("cover", coverURL))

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"coverUrl": coverURL})
}

// ServeCoverHandler 从 MinIO 读出封面文件
func (h *TrackHandler) ServeCoverHandler(w http.ResponseWriter, r *http.Request) {
	objectPath := strings.TrimPrefix(r.URL.Path, "/")

	object, err := storage.GetObject(r.Context(), objectPath)
	if err != nil {
		http.Error(w, "File not found", http.StatusNotFound)
		return
	}
	defer object.Close()

	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Cache-Control", "public, max-age=86400")
	if _, err := io.Copy(w, object); err != nil {
		logger.Warn("封面输出中断", logger.ErrorField(err), logger.String("object", objectPath))
	}
}

// RegisterTrackRoutes 注册曲目相关路由
func RegisterTrackRoutes(router *mux.Router, handler *TrackHandler, authMiddleware func(http.HandlerFunc) http.HandlerFunc) {
	router.HandleFunc("/api/tracks/{track_id}", authMiddleware(handler.GetTrackHandler)).Methods(http.MethodGet)
	router.HandleFunc("/api/tracks/{track_id}/cover", authMiddleware(handler.UploadCoverHandler)).Methods(http.MethodPost)
	router.PathPrefix("/covers/").HandlerFunc(handler.ServeCoverHandler).Methods(http.MethodGet)
}

