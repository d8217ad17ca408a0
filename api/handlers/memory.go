package handlers

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	memengine "github.com/BaSui01/memengine"
	"github.com/BaSui01/memengine/api"
	"github.com/BaSui01/memengine/pipeline"
	"github.com/BaSui01/memengine/types"
)

// MemoryService 记忆引擎对外能力
type MemoryService interface {
	Enhance(ctx context.Context, text string, rc memengine.RequestContext) (pipeline.Result, error)
	StoreInteraction(ctx context.Context, userText, aiText string, rc memengine.RequestContext) (memengine.StoreResult, error)
	GetStats(ctx context.Context) (memengine.Stats, error)
	GetMemory(ctx context.Context, id string) (types.Memory, error)
	DeleteMemory(ctx context.Context, id string) error
}

// =============================================================================
// 🧠 记忆 Handler
// =============================================================================

// MemoryHandler 查询增强、交互存储和记忆管理
type MemoryHandler struct {
	service MemoryService
	logger  *zap.Logger
}

// NewMemoryHandler 创建记忆处理器
func NewMemoryHandler(service MemoryService, logger *zap.Logger) *MemoryHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MemoryHandler{
		service: service,
		logger:  logger.With(zap.String("component", "memory_handler")),
	}
}

// HandleQuery 处理 POST /v1/query
// @Summary 查询增强
// @Description 为查询组装相关的历史记忆上下文
// @Tags 记忆
// @Accept json
// @Produce json
// @Param request body api.QueryRequest true "查询"
// @Success 200 {object} Response{data=api.QueryResponse}
// @Failure 400 {object} Response
// @Router /v1/query [post]
func (h *MemoryHandler) HandleQuery(w http.ResponseWriter, r *http.Request) {
	if !ValidateContentType(w, r, h.logger) {
		return
	}
	var req api.QueryRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidInput, "query is required", h.logger)
		return
	}

	res, err := h.service.Enhance(r.Context(), req.Query, memengine.RequestContext{
		SessionID: req.SessionID,
		UserID:    req.UserID,
	})
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}

	resp := api.QueryResponse{
		Context:  res.Context,
		Tokens:   res.Tokens,
		Degraded: res.Degraded,
	}
	if req.Debug {
		resp.Memories = make([]api.ScoredMemory, 0, len(res.Memories))
		for _, s := range res.Memories {
			resp.Memories = append(resp.Memories, api.ScoredMemory{
				Memory:     toAPIMemory(s.Memory),
				Score:      s.Score,
				Similarity: s.Similarity,
				Source:     s.Source,
			})
		}
		resp.Trace = make([]api.StageTrace, 0, len(res.Trace))
		for _, t := range res.Trace {
			resp.Trace = append(resp.Trace, api.StageTrace{
				Stage:      string(t.Stage),
				Status:     string(t.Status),
				DurationMS: t.Duration.Milliseconds(),
				Items:      t.Items,
				Error:      t.Error,
			})
		}
	}
	WriteSuccess(w, resp)
}

// HandleInteraction 处理 POST /v1/interactions
// @Summary 存储交互
// @Description 存储一轮用户与助手的对话，评估在后台进行
// @Tags 记忆
// @Accept json
// @Produce json
// @Param request body api.InteractionRequest true "交互"
// @Success 200 {object} Response{data=api.InteractionResponse}
// @Failure 400 {object} Response
// @Router /v1/interactions [post]
func (h *MemoryHandler) HandleInteraction(w http.ResponseWriter, r *http.Request) {
	if !ValidateContentType(w, r, h.logger) {
		return
	}
	var req api.InteractionRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}

	res, err := h.service.StoreInteraction(r.Context(), req.UserText, req.AIText, memengine.RequestContext{
		SessionID: req.SessionID,
		UserID:    req.UserID,
	})
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteSuccess(w, api.InteractionResponse{
		UserMemoryID: res.UserMemoryID,
		AIMemoryID:   res.AIMemoryID,
		SessionID:    res.SessionID,
		Evaluation:   res.Evaluation,
	})
}

// HandleStats 处理 GET /v1/stats
// @Summary 引擎统计
// @Tags 记忆
// @Produce json
// @Success 200 {object} Response
// @Router /v1/stats [get]
func (h *MemoryHandler) HandleStats(w http.ResponseWriter, r *http.Request) {
	st, err := h.service.GetStats(r.Context())
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteSuccess(w, st)
}

// HandleGetMemory 处理 GET /v1/memories/{id}
// @Summary 读取记忆
// @Tags 记忆
// @Produce json
// @Param id path string true "记忆 ID"
// @Success 200 {object} Response{data=api.Memory}
// @Failure 404 {object} Response
// @Router /v1/memories/{id} [get]
func (h *MemoryHandler) HandleGetMemory(w http.ResponseWriter, r *http.Request) {
	m, err := h.service.GetMemory(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteSuccess(w, toAPIMemory(m))
}

// HandleDeleteMemory 处理 DELETE /v1/memories/{id}
// @Summary 删除记忆
// @Tags 记忆
// @Param id path string true "记忆 ID"
// @Success 204
// @Failure 404 {object} Response
// @Router /v1/memories/{id} [delete]
func (h *MemoryHandler) HandleDeleteMemory(w http.ResponseWriter, r *http.Request) {
	if err := h.service.DeleteMemory(r.Context(), chi.URLParam(r, "id")); err != nil {
		WriteError(w, err, h.logger)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Routes 挂载 /v1 路由
func (h *MemoryHandler) Routes(r chi.Router) {
	r.Post("/query", h.HandleQuery)
	r.Post("/interactions", h.HandleInteraction)
	r.Get("/stats", h.HandleStats)
	r.Get("/memories/{id}", h.HandleGetMemory)
	r.Delete("/memories/{id}", h.HandleDeleteMemory)
}

func toAPIMemory(m types.Memory) api.Memory {
	return api.Memory{
		ID:           m.ID,
		Content:      m.Content,
		Role:         string(m.Role),
		Type:         string(m.Type),
		SessionID:    m.SessionID,
		Timestamp:    m.Timestamp,
		Weight:       m.Weight,
		Tier:         string(m.Tier()),
		GroupID:      m.GroupID,
		Summary:      m.Summary,
		LastAccessed: m.LastAccessed,
		Metadata:     m.Metadata,
	}
}
