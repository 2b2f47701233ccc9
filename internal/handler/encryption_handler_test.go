package handler

import (
	"encoding/json"
	"net/http"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func (s *testServer) encrypt(t *testing.T, body string) (int, string) {
	t.Helper()
	rec := s.do(t, http.MethodPost, "/v1/encrypt", body)
	if rec.Code != http.StatusOK {
		return rec.Code, decodeErrorCode(t, rec)
	}
	var resp CiphertextResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	return rec.Code, resp.Ciphertext
}

func (s *testServer) decrypt(t *testing.T, ciphertext string) (int, json.RawMessage) {
	t.Helper()
	rec := s.do(t, http.MethodPost, "/v1/decrypt", `{"ciphertext":"`+ciphertext+`"}`)
	if rec.Code != http.StatusOK {
		return rec.Code, json.RawMessage(decodeErrorCode(t, rec))
	}
	var resp DecryptResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	return rec.Code, resp.Value
}

func TestEncryptDecrypt_RoundTrip(t *testing.T) {
	s := setupServer(t)
	id := s.createKey(t, "fields")

	tests := []struct {
		name      string
		algorithm string
		value     string
		want      string
	}{
		{name: "文字列を決定的に", algorithm: "AEAD_AES_256_CBC_HMAC_SHA_512-Deterministic", value: `"monger"`, want: `"monger"`},
		{name: "真偽値をランダムに", algorithm: "AEAD_AES_256_CBC_HMAC_SHA_512-Random", value: `true`, want: `true`},
		{name: "int64をExtended JSONで", algorithm: "AEAD_AES_256_CBC_HMAC_SHA_512-Deterministic", value: `{"$numberLong":"42"}`, want: `42`},
		{name: "ドキュメントをランダムに", algorithm: "AEAD_AES_256_CBC_HMAC_SHA_512-Random", value: `{"a":"b"}`, want: `{"a":"b"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body := `{"keyId":"` + id + `","algorithm":"` + tt.algorithm + `","value":` + tt.value + `}`
			code, ct := s.encrypt(t, body)
			require.Equal(t, http.StatusOK, code, ct)

			code, plain := s.decrypt(t, ct)
			require.Equal(t, http.StatusOK, code)
			assert.JSONEq(t, tt.want, string(plain))
		})
	}
}

func TestEncrypt_DeterministicByAltName(t *testing.T) {
	s := setupServer(t)
	id := s.createKey(t, "fields")
	alg := "AEAD_AES_256_CBC_HMAC_SHA_512-Deterministic"

	_, byID := s.encrypt(t, `{"keyId":"`+id+`","algorithm":"`+alg+`","value":"x"}`)
	_, byName := s.encrypt(t, `{"keyAltName":"fields","algorithm":"`+alg+`","value":"x"}`)
	assert.Equal(t, byID, byName)
}

func TestEncrypt_Errors(t *testing.T) {
	s := setupServer(t)
	id := s.createKey(t, "fields")
	det := "AEAD_AES_256_CBC_HMAC_SHA_512-Deterministic"

	tests := []struct {
		name       string
		body       string
		wantStatus int
		wantCode   string
	}{
		{name: "決定的で真偽値", body: `{"keyId":"` + id + `","algorithm":"` + det + `","value":true}`, wantStatus: http.StatusUnprocessableEntity, wantCode: "ENCRYPTION_TYPE_NOT_SUPPORTED"},
		{name: "未知のアルゴリズム", body: `{"keyId":"` + id + `","algorithm":"AES-GCM","value":"x"}`, wantStatus: http.StatusBadRequest, wantCode: "UNKNOWN_ALGORITHM"},
		{name: "値なし", body: `{"keyId":"` + id + `","algorithm":"` + det + `"}`, wantStatus: http.StatusBadRequest, wantCode: "INVALID_ARGUMENT"},
		{name: "不正な鍵ID", body: `{"keyId":"nope","algorithm":"` + det + `","value":"x"}`, wantStatus: http.StatusBadRequest, wantCode: "INVALID_ARGUMENT"},
		{name: "鍵IDと別名の両方", body: `{"keyId":"` + id + `","keyAltName":"fields","algorithm":"` + det + `","value":"x"}`, wantStatus: http.StatusBadRequest, wantCode: "INVALID_ARGUMENT"},
		{name: "存在しない別名", body: `{"keyAltName":"missing","algorithm":"` + det + `","value":"x"}`, wantStatus: http.StatusNotFound, wantCode: "KEY_NOT_FOUND"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, errCode := s.encrypt(t, tt.body)
			assert.Equal(t, tt.wantStatus, code)
			assert.Equal(t, tt.wantCode, errCode)
		})
	}

	t.Run("存在しない鍵ID", func(t *testing.T) {
		code, _ := s.encrypt(t, `{"keyId":"`+uuid.NewString()+`","algorithm":"`+det+`","value":"x"}`)
		assert.GreaterOrEqual(t, code, http.StatusBadRequest)
	})
}

func TestDecrypt_Errors(t *testing.T) {
	s := setupServer(t)

	code, errCode := s.decrypt(t, "not base64!")
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "INVALID_ARGUMENT", string(errCode))

	code, errCode = s.decrypt(t, "Z2FyYmFnZQ==")
	assert.Equal(t, http.StatusUnprocessableEntity, code)
	assert.Equal(t, "DECRYPTION_FAILED", string(errCode))
}
