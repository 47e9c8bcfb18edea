// system.go — обработчик GET /api/v1/info (информация об Upload Service).
package handlers

import (
	"net/http"

	"github.com/docker/go-units"

	"github.com/bigkaa/goartstore/upload-service/internal/admission"
	"github.com/bigkaa/goartstore/upload-service/internal/config"
	"github.com/bigkaa/goartstore/upload-service/internal/domain/model"
	"github.com/bigkaa/goartstore/upload-service/internal/registry"
)

// SystemHandler — обработчик системных endpoints.
type SystemHandler struct {
	cfg       *config.Config
	reg       *registry.Registry
	admission admission.Config
}

// NewSystemHandler создаёт обработчик системных endpoints.
func NewSystemHandler(cfg *config.Config, reg *registry.Registry, admissionCfg admission.Config) *SystemHandler {
	return &SystemHandler{
		cfg:       cfg,
		reg:       reg,
		admission: admissionCfg,
	}
}

// GetInfo обрабатывает GET /api/v1/info.
// Возвращает версию, количество записей по состояниям и параметры допуска.
func (h *SystemHandler) GetInfo(w http.ResponseWriter, _ *http.Request) {
	counts := h.reg.CountByState()
	uploads := make(map[string]int, len(model.AllStateKinds))
	total := 0
	for _, kind := range model.AllStateKinds {
		uploads[string(kind)] = counts[kind]
		total += counts[kind]
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"service": "upload-service",
		"version": config.Version,
		"uploads": map[string]any{
			"total":    total,
			"by_state": uploads,
		},
		"limits": map[string]any{
			"max_upload_size":       h.cfg.MaxUploadSize,
			"max_upload_size_human": units.BytesSize(float64(h.cfg.MaxUploadSize)),
		},
		"admission": map[string]any{
			"enabled":                  h.admission.Enabled,
			"disk_safety_margin":       h.admission.SafetyMargin,
			"memory_threshold_percent": h.admission.MemoryThresholdPercent,
			"net_error_threshold":      h.admission.NetErrorThreshold,
			"sample_window":            h.admission.SampleWindow.String(),
		},
		"journal": h.cfg.Journal,
	})
}
