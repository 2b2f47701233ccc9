// Package handler はHTTPハンドラを提供する。
package handler

import (
	"encoding/base64"
	"errors"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"keyvault-service/internal/domain"
	"keyvault-service/internal/middleware"
	"keyvault-service/internal/usecase"
	"keyvault-service/pkg/httputil"
)

// dateLayout は日時をミリ秒精度で返すためのレイアウト。
const dateLayout = "2006-01-02T15:04:05.000Z07:00"

// KeyHandler は鍵管理APIのHTTPハンドラを提供する。
type KeyHandler struct {
	vault *usecase.KeyVault
}

// NewKeyHandler は新しいKeyHandlerを生成する。
func NewKeyHandler(vault *usecase.KeyVault) *KeyHandler {
	return &KeyHandler{vault: vault}
}

// KeyRecordResponse は鍵レコードのレスポンス形式。
type KeyRecordResponse struct {
	ID           string           `json:"id"`
	KeyMaterial  string           `json:"keyMaterial"`
	CreationDate string           `json:"creationDate"`
	UpdateDate   string           `json:"updateDate"`
	Status       int32            `json:"status"`
	Version      int64            `json:"version"`
	MasterKey    domain.MasterKey `json:"masterKey"`
	KeyAltNames  []string         `json:"keyAltNames,omitempty"`
}

// KeyListResponse は鍵一覧のレスポンス形式。
type KeyListResponse struct {
	Keys []KeyRecordResponse `json:"keys"`
}

// InsertResponse は鍵作成のレスポンス形式。
type InsertResponse struct {
	Acknowledged bool   `json:"acknowledged"`
	InsertedID   string `json:"insertedId"`
}

// DeleteResponse は鍵削除のレスポンス形式。
type DeleteResponse struct {
	DeletedCount int64 `json:"deletedCount"`
}

func toKeyRecordResponse(r *domain.KeyRecord) KeyRecordResponse {
	return KeyRecordResponse{
		ID:           r.ID.String(),
		KeyMaterial:  base64.StdEncoding.EncodeToString(r.KeyMaterial),
		CreationDate: r.CreationDate.UTC().Format(dateLayout),
		UpdateDate:   r.UpdateDate.UTC().Format(dateLayout),
		Status:       int32(r.Status),
		Version:      r.Version,
		MasterKey:    r.MasterKey,
		KeyAltNames:  r.KeyAltNames,
	}
}

func parseKeyID(r *http.Request) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		return uuid.Nil, errors.Join(domain.ErrInvalidArgument, err)
	}
	return id, nil
}

// altNameParam はパスの別名をデコード済みの値で返す。
// chiはRawPathがある場合だけエスケープされたままのパスでルーティングするため、そのときだけデコードする。
func altNameParam(r *http.Request) (string, error) {
	name := chi.URLParam(r, "altName")
	if r.URL.RawPath == "" {
		return name, nil
	}
	return url.PathUnescape(name)
}

// CreateKey はKMSでデータ鍵を生成し、新しい鍵レコードを保存する。
func (h *KeyHandler) CreateKey(w http.ResponseWriter, r *http.Request) {
	var body map[string]any
	if err := httputil.DecodeJSON(w, r, &body); err != nil {
		httputil.Error(w, http.StatusBadRequest, "INVALID_BODY", err.Error())
		return
	}

	kmsProvider, err := domain.ParseString("kmsProvider", body["kmsProvider"])
	if err != nil {
		writeError(w, err)
		return
	}
	customerMasterKey, err := domain.ParseString("customerMasterKey", body["customerMasterKey"])
	if err != nil {
		writeError(w, err)
		return
	}
	keyAltNames, err := domain.ParseAltNames(body["keyAltNames"])
	if err != nil {
		writeError(w, err)
		return
	}

	result, err := h.vault.CreateKey(r.Context(), kmsProvider, customerMasterKey, keyAltNames)
	if err != nil {
		middleware.WriteAuditLog(r.Context(), "CREATE_KEY", "", middleware.ResultFailed, "kms_provider", kmsProvider, "error", err)
		writeError(w, err)
		return
	}

	middleware.WriteAuditLog(r.Context(), "CREATE_KEY", result.InsertedID.String(), middleware.ResultSuccess, "kms_provider", kmsProvider)
	httputil.JSON(w, http.StatusCreated, InsertResponse{
		Acknowledged: result.Acknowledged,
		InsertedID:   result.InsertedID.String(),
	})
}

// GetKey は指定されたIDの鍵を取得する。
func (h *KeyHandler) GetKey(w http.ResponseWriter, r *http.Request) {
	id, err := parseKeyID(r)
	if err != nil {
		httputil.Error(w, http.StatusBadRequest, "INVALID_KEY_ID", "invalid key ID format")
		return
	}

	record, err := h.vault.GetKey(r.Context(), id)
	if err != nil {
		middleware.WriteAuditLog(r.Context(), "GET_KEY", id.String(), middleware.ResultFailed, "error", err)
		writeError(w, err)
		return
	}
	if record == nil {
		middleware.WriteAuditLog(r.Context(), "GET_KEY", id.String(), middleware.ResultFailed)
		httputil.Error(w, http.StatusNotFound, "KEY_NOT_FOUND", "key not found")
		return
	}

	middleware.WriteAuditLog(r.Context(), "GET_KEY", id.String(), middleware.ResultSuccess)
	httputil.JSON(w, http.StatusOK, toKeyRecordResponse(record))
}

// ListKeys は鍵一覧を取得する。altNameクエリがあれば別名で絞り込む。
func (h *KeyHandler) ListKeys(w http.ResponseWriter, r *http.Request) {
	response := KeyListResponse{Keys: []KeyRecordResponse{}}

	if r.URL.Query().Has("altName") {
		altName := r.URL.Query().Get("altName")
		if err := domain.ValidateAltName(altName); err != nil {
			writeError(w, err)
			return
		}
		records, err := h.vault.GetKeyByAltName(r.Context(), altName)
		if err != nil {
			middleware.WriteAuditLog(r.Context(), "GET_KEY_BY_ALT_NAME", "", middleware.ResultFailed, "error", err)
			writeError(w, err)
			return
		}
		for _, rec := range records {
			response.Keys = append(response.Keys, toKeyRecordResponse(rec))
		}
		middleware.WriteAuditLog(r.Context(), "GET_KEY_BY_ALT_NAME", "", middleware.ResultSuccess, "count", len(records))
		httputil.JSON(w, http.StatusOK, response)
		return
	}

	for rec, err := range h.vault.GetKeys(r.Context()) {
		if err != nil {
			middleware.WriteAuditLog(r.Context(), "LIST_KEYS", "", middleware.ResultFailed, "error", err)
			writeError(w, err)
			return
		}
		response.Keys = append(response.Keys, toKeyRecordResponse(rec))
	}

	middleware.WriteAuditLog(r.Context(), "LIST_KEYS", "", middleware.ResultSuccess, "count", len(response.Keys))
	httputil.JSON(w, http.StatusOK, response)
}

// DeleteKey は鍵を削除する。存在しないIDは削除件数0で成功する。
func (h *KeyHandler) DeleteKey(w http.ResponseWriter, r *http.Request) {
	id, err := parseKeyID(r)
	if err != nil {
		httputil.Error(w, http.StatusBadRequest, "INVALID_KEY_ID", "invalid key ID format")
		return
	}

	deleted, err := h.vault.DeleteKey(r.Context(), id)
	if err != nil {
		middleware.WriteAuditLog(r.Context(), "DELETE_KEY", id.String(), middleware.ResultFailed, "error", err)
		writeError(w, err)
		return
	}

	middleware.WriteAuditLog(r.Context(), "DELETE_KEY", id.String(), middleware.ResultSuccess, "deleted_count", deleted)
	httputil.JSON(w, http.StatusOK, DeleteResponse{DeletedCount: deleted})
}

// AddKeyAlternateName は鍵に別名を追加し、追加前の鍵レコードを返す。
func (h *KeyHandler) AddKeyAlternateName(w http.ResponseWriter, r *http.Request) {
	id, err := parseKeyID(r)
	if err != nil {
		httputil.Error(w, http.StatusBadRequest, "INVALID_KEY_ID", "invalid key ID format")
		return
	}

	var body map[string]any
	if err := httputil.DecodeJSON(w, r, &body); err != nil {
		httputil.Error(w, http.StatusBadRequest, "INVALID_BODY", err.Error())
		return
	}
	altName, err := domain.ParseAltName(body["keyAltName"])
	if err != nil {
		writeError(w, err)
		return
	}

	before, err := h.vault.AddKeyAlternateName(r.Context(), id, altName)
	if err != nil {
		middleware.WriteAuditLog(r.Context(), "ADD_KEY_ALT_NAME", id.String(), middleware.ResultFailed, "error", err)
		writeError(w, err)
		return
	}

	middleware.WriteAuditLog(r.Context(), "ADD_KEY_ALT_NAME", id.String(), middleware.ResultSuccess)
	httputil.JSON(w, http.StatusOK, toKeyRecordResponse(before))
}

// RemoveKeyAlternateName は鍵から別名を取り除き、削除前の鍵レコードを返す。
func (h *KeyHandler) RemoveKeyAlternateName(w http.ResponseWriter, r *http.Request) {
	id, err := parseKeyID(r)
	if err != nil {
		httputil.Error(w, http.StatusBadRequest, "INVALID_KEY_ID", "invalid key ID format")
		return
	}
	altName, err := altNameParam(r)
	if err != nil {
		httputil.Error(w, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid key alternate name encoding")
		return
	}

	before, err := h.vault.RemoveKeyAlternateName(r.Context(), id, altName)
	if err != nil {
		middleware.WriteAuditLog(r.Context(), "REMOVE_KEY_ALT_NAME", id.String(), middleware.ResultFailed, "error", err)
		writeError(w, err)
		return
	}

	middleware.WriteAuditLog(r.Context(), "REMOVE_KEY_ALT_NAME", id.String(), middleware.ResultSuccess)
	httputil.JSON(w, http.StatusOK, toKeyRecordResponse(before))
}

// writeError はドメインエラーをHTTPステータスとエラーコードに変換して返す。
func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrInvalidType):
		httputil.Error(w, http.StatusBadRequest, "INVALID_TYPE", err.Error())
	case errors.Is(err, domain.ErrInvalidArgument):
		httputil.Error(w, http.StatusBadRequest, "INVALID_ARGUMENT", err.Error())
	case errors.Is(err, domain.ErrUnknownKMSProvider):
		httputil.Error(w, http.StatusBadRequest, "UNKNOWN_KMS_PROVIDER", err.Error())
	case errors.Is(err, domain.ErrUnknownAlgorithm):
		httputil.Error(w, http.StatusBadRequest, "UNKNOWN_ALGORITHM", err.Error())
	case errors.Is(err, domain.ErrEncryptionTypeNotSupported):
		httputil.Error(w, http.StatusUnprocessableEntity, "ENCRYPTION_TYPE_NOT_SUPPORTED", err.Error())
	case errors.Is(err, domain.ErrDecryption):
		// 復号時の鍵の不在もここに含まれる
		httputil.Error(w, http.StatusUnprocessableEntity, "DECRYPTION_FAILED", err.Error())
	case errors.Is(err, domain.ErrKeyNotFound):
		httputil.Error(w, http.StatusNotFound, "KEY_NOT_FOUND", err.Error())
	case errors.Is(err, domain.ErrDuplicateKey):
		httputil.Error(w, http.StatusConflict, "DUPLICATE_KEY", err.Error())
	case errors.Is(err, domain.ErrKMSProvider):
		httputil.Error(w, http.StatusBadGateway, "KMS_PROVIDER_ERROR", "kms provider request failed")
	default:
		httputil.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "internal server error")
	}
}
