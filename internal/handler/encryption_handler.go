package handler

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"keyvault-service/internal/crypt"
	"keyvault-service/internal/domain"
	"keyvault-service/internal/middleware"
	"keyvault-service/internal/usecase"
	"keyvault-service/pkg/httputil"
)

// EncryptionHandler はフィールド値の暗号化・復号APIを提供する。
type EncryptionHandler struct {
	client *usecase.ClientEncryption
}

// NewEncryptionHandler は新しいEncryptionHandlerを生成する。
func NewEncryptionHandler(client *usecase.ClientEncryption) *EncryptionHandler {
	return &EncryptionHandler{client: client}
}

// EncryptRequest は暗号化リクエストの形式。valueはExtended JSON。
type EncryptRequest struct {
	KeyID      string          `json:"keyId"`
	KeyAltName *string         `json:"keyAltName"`
	Algorithm  string          `json:"algorithm"`
	Value      json.RawMessage `json:"value"`
}

// CiphertextResponse は暗号文の形式（バイナリサブタイプ6のペイロードをbase64で表す）。
type CiphertextResponse struct {
	Ciphertext string `json:"ciphertext"`
}

// DecryptRequest は復号リクエストの形式。
type DecryptRequest struct {
	Ciphertext string `json:"ciphertext"`
}

// DecryptResponse は復号結果の形式。valueはExtended JSON（relaxed）。
type DecryptResponse struct {
	Value json.RawMessage `json:"value"`
}

// Encrypt は鍵IDまたは別名で指定した鍵で値を暗号化する。
func (h *EncryptionHandler) Encrypt(w http.ResponseWriter, r *http.Request) {
	var req EncryptRequest
	if err := httputil.DecodeJSON(w, r, &req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "INVALID_BODY", err.Error())
		return
	}
	value, err := decodeValue(req.Value)
	if err != nil {
		writeError(w, err)
		return
	}

	var (
		ct    primitive.Binary
		keyID = req.KeyID
	)
	switch {
	case req.KeyID != "" && req.KeyAltName != nil:
		writeError(w, fmt.Errorf("%w: keyId and keyAltName are mutually exclusive", domain.ErrInvalidArgument))
		return
	case req.KeyAltName != nil:
		ct, err = h.client.EncryptWithAltName(r.Context(), *req.KeyAltName, value, req.Algorithm)
	default:
		id, parseErr := uuid.Parse(req.KeyID)
		if parseErr != nil {
			writeError(w, fmt.Errorf("%w: keyId must be a UUID", domain.ErrInvalidArgument))
			return
		}
		ct, err = h.client.Encrypt(r.Context(), id, value, req.Algorithm)
	}
	if err != nil {
		middleware.WriteAuditLog(r.Context(), "ENCRYPT", keyID, middleware.ResultFailed, "algorithm", req.Algorithm, "error", err)
		writeError(w, err)
		return
	}

	middleware.WriteAuditLog(r.Context(), "ENCRYPT", keyID, middleware.ResultSuccess, "algorithm", req.Algorithm)
	httputil.JSON(w, http.StatusOK, CiphertextResponse{
		Ciphertext: base64.StdEncoding.EncodeToString(ct.Data),
	})
}

// Decrypt は暗号文を復号する。
func (h *EncryptionHandler) Decrypt(w http.ResponseWriter, r *http.Request) {
	var req DecryptRequest
	if err := httputil.DecodeJSON(w, r, &req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "INVALID_BODY", err.Error())
		return
	}
	data, err := base64.StdEncoding.DecodeString(req.Ciphertext)
	if err != nil || len(data) == 0 {
		writeError(w, fmt.Errorf("%w: ciphertext must be non-empty base64", domain.ErrInvalidArgument))
		return
	}

	value, err := h.client.Decrypt(r.Context(), primitive.Binary{Subtype: crypt.EncryptedSubtype, Data: data})
	if err != nil {
		middleware.WriteAuditLog(r.Context(), "DECRYPT", "", middleware.ResultFailed, "error", err)
		writeError(w, err)
		return
	}
	out, err := encodeValue(value)
	if err != nil {
		middleware.WriteAuditLog(r.Context(), "DECRYPT", "", middleware.ResultFailed, "error", err)
		writeError(w, err)
		return
	}

	middleware.WriteAuditLog(r.Context(), "DECRYPT", "", middleware.ResultSuccess)
	httputil.JSON(w, http.StatusOK, DecryptResponse{Value: out})
}

// extJSONValue はExtended JSONの単一値を包むドキュメント。
type extJSONValue struct {
	V bson.RawValue `bson:"v"`
}

// decodeValue はExtended JSON（canonical/relaxedのどちらも可）を単一のBSON値に変換する。
func decodeValue(raw json.RawMessage) (bson.RawValue, error) {
	if len(raw) == 0 {
		return bson.RawValue{}, fmt.Errorf("%w: value is required", domain.ErrInvalidArgument)
	}
	doc := make([]byte, 0, len(raw)+6)
	doc = append(doc, `{"v":`...)
	doc = append(doc, raw...)
	doc = append(doc, '}')

	var wrapped extJSONValue
	if err := bson.UnmarshalExtJSON(doc, false, &wrapped); err != nil {
		return bson.RawValue{}, fmt.Errorf("%w: value is not valid extended JSON: %v", domain.ErrInvalidArgument, err)
	}
	return wrapped.V, nil
}

// encodeValue はBSON値をrelaxed形式のExtended JSONに変換する。
func encodeValue(v bson.RawValue) (json.RawMessage, error) {
	out, err := bson.MarshalExtJSON(bson.D{{Key: "v", Value: v}}, false, false)
	if err != nil {
		return nil, fmt.Errorf("encoding value: %w", err)
	}
	var wrapped struct {
		V json.RawMessage `json:"v"`
	}
	if err := json.Unmarshal(out, &wrapped); err != nil {
		return nil, fmt.Errorf("encoding value: %w", err)
	}
	return wrapped.V, nil
}
