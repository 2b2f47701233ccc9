// Package main はCLIツールのエントリポイント。
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

const version = "1.0.0"

var (
	apiURL  string
	output  string
	timeout time.Duration
)

// HTTPクライアント
var httpClient *http.Client

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "keyctl",
		Short: "Key Vault Service CLI",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if apiURL == "" {
				apiURL = os.Getenv("KEYCTL_API_URL")
			}
			httpClient = &http.Client{Timeout: timeout}
		},
		SilenceUsage: true,
	}

	// グローバルフラグ
	rootCmd.PersistentFlags().StringVar(&apiURL, "api-url", "", "API endpoint URL (or set KEYCTL_API_URL)")
	rootCmd.PersistentFlags().StringVar(&output, "output", "text", "Output format: text, json")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "Request timeout")

	// サブコマンド登録
	rootCmd.AddCommand(createCmd())
	rootCmd.AddCommand(getCmd())
	rootCmd.AddCommand(listCmd())
	rootCmd.AddCommand(deleteCmd())
	rootCmd.AddCommand(addAltNameCmd())
	rootCmd.AddCommand(removeAltNameCmd())
	rootCmd.AddCommand(encryptCmd())
	rootCmd.AddCommand(decryptCmd())
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(versionCmd())
	return rootCmd
}

// versionCmd はバージョン情報を表示する。
func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "keyctl version %s\n", version)
		},
	}
}

// keyRecord はAPIが返す鍵レコード。
type keyRecord struct {
	ID           string   `json:"id"`
	CreationDate string   `json:"creationDate"`
	UpdateDate   string   `json:"updateDate"`
	KeyAltNames  []string `json:"keyAltNames"`
	MasterKey    struct {
		Provider string `json:"provider"`
		Key      string `json:"key"`
	} `json:"masterKey"`
}

// createCmd は鍵の生成コマンド。
func createCmd() *cobra.Command {
	var provider, masterKey string
	var altNames []string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a new data key",
		RunE: func(cmd *cobra.Command, args []string) error {
			reqBody := map[string]any{
				"kmsProvider":       provider,
				"customerMasterKey": masterKey,
			}
			if len(altNames) > 0 {
				reqBody["keyAltNames"] = altNames
			}
			body, err := doRequest(http.MethodPost, "/v1/keys", reqBody, http.StatusCreated)
			if err != nil {
				return err
			}

			return render(cmd, body, func(w io.Writer) error {
				var result struct {
					InsertedID string `json:"insertedId"`
				}
				if err := json.Unmarshal(body, &result); err != nil {
					return fmt.Errorf("parsing response: %w", err)
				}
				fmt.Fprintf(w, "Created key %s (provider: %s)\n", result.InsertedID, provider)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&provider, "provider", "local", "KMS provider name: local, aws, gcp")
	cmd.Flags().StringVar(&masterKey, "master-key", "", "Customer master key (ARN, resource name or local descriptor) (required)")
	cmd.Flags().StringSliceVar(&altNames, "alt-name", nil, "Key alternate name (repeatable)")
	cmd.MarkFlagRequired("master-key")
	return cmd
}

// getCmd はIDまたは別名による鍵の取得コマンド。
func getCmd() *cobra.Command {
	var altName string
	cmd := &cobra.Command{
		Use:   "get [id]",
		Short: "Get a data key by id or alternate name",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if (len(args) == 0) == (altName == "") {
				return fmt.Errorf("specify exactly one of [id] or --alt-name")
			}
			if altName != "" {
				body, err := doRequest(http.MethodGet, "/v1/keys?altName="+url.QueryEscape(altName), nil, http.StatusOK)
				if err != nil {
					return err
				}
				return renderKeyList(cmd, body)
			}

			body, err := doRequest(http.MethodGet, "/v1/keys/"+url.PathEscape(args[0]), nil, http.StatusOK)
			if err != nil {
				return err
			}
			return render(cmd, body, func(w io.Writer) error {
				var k keyRecord
				if err := json.Unmarshal(body, &k); err != nil {
					return fmt.Errorf("parsing response: %w", err)
				}
				printKeyTable(w, []keyRecord{k})
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&altName, "alt-name", "", "Key alternate name")
	return cmd
}

// listCmd は鍵一覧の取得コマンド。
func listCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List all data keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := doRequest(http.MethodGet, "/v1/keys", nil, http.StatusOK)
			if err != nil {
				return err
			}
			return renderKeyList(cmd, body)
		},
	}
}

// deleteCmd は鍵の削除コマンド。
func deleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a data key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := doRequest(http.MethodDelete, "/v1/keys/"+url.PathEscape(args[0]), nil, http.StatusOK)
			if err != nil {
				return err
			}
			return render(cmd, body, func(w io.Writer) error {
				var result struct {
					DeletedCount int64 `json:"deletedCount"`
				}
				if err := json.Unmarshal(body, &result); err != nil {
					return fmt.Errorf("parsing response: %w", err)
				}
				fmt.Fprintf(w, "Deleted %d key(s)\n", result.DeletedCount)
				return nil
			})
		},
	}
}

// addAltNameCmd は別名の追加コマンド。
func addAltNameCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "add-alt-name <id> <alt-name>",
		Short: "Add an alternate name to a data key",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/v1/keys/" + url.PathEscape(args[0]) + "/alt-names"
			body, err := doRequest(http.MethodPost, path, map[string]any{"keyAltName": args[1]}, http.StatusOK)
			if err != nil {
				return err
			}
			return render(cmd, body, func(w io.Writer) error {
				fmt.Fprintf(w, "Added alternate name %q to key %s\n", args[1], args[0])
				return nil
			})
		},
	}
}

// removeAltNameCmd は別名の削除コマンド。
func removeAltNameCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove-alt-name <id> <alt-name>",
		Short: "Remove an alternate name from a data key",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/v1/keys/" + url.PathEscape(args[0]) + "/alt-names/" + url.PathEscape(args[1])
			body, err := doRequest(http.MethodDelete, path, nil, http.StatusOK)
			if err != nil {
				return err
			}
			return render(cmd, body, func(w io.Writer) error {
				fmt.Fprintf(w, "Removed alternate name %q from key %s\n", args[1], args[0])
				return nil
			})
		},
	}
}

// encryptCmd は値の暗号化コマンド。
func encryptCmd() *cobra.Command {
	var keyID, altName, algorithm, value string
	cmd := &cobra.Command{
		Use:   "encrypt",
		Short: "Encrypt an Extended JSON value with a data key",
		RunE: func(cmd *cobra.Command, args []string) error {
			if (keyID == "") == (altName == "") {
				return fmt.Errorf("specify exactly one of --key-id or --alt-name")
			}
			if !json.Valid([]byte(value)) {
				return fmt.Errorf("--value must be Extended JSON (e.g. '\"text\"' or '{\"$numberLong\":\"1\"}')")
			}
			reqBody := map[string]any{
				"algorithm": algorithm,
				"value":     json.RawMessage(value),
			}
			if keyID != "" {
				reqBody["keyId"] = keyID
			} else {
				reqBody["keyAltName"] = altName
			}

			body, err := doRequest(http.MethodPost, "/v1/encrypt", reqBody, http.StatusOK)
			if err != nil {
				return err
			}
			return render(cmd, body, func(w io.Writer) error {
				var result struct {
					Ciphertext string `json:"ciphertext"`
				}
				if err := json.Unmarshal(body, &result); err != nil {
					return fmt.Errorf("parsing response: %w", err)
				}
				fmt.Fprintln(w, result.Ciphertext)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&keyID, "key-id", "", "Data key id")
	cmd.Flags().StringVar(&altName, "alt-name", "", "Data key alternate name")
	cmd.Flags().StringVar(&algorithm, "algorithm", "AEAD_AES_256_CBC_HMAC_SHA_512-Random", "Encryption algorithm")
	cmd.Flags().StringVar(&value, "value", "", "Value as Extended JSON (required)")
	cmd.MarkFlagRequired("value")
	return cmd
}

// decryptCmd は暗号文の復号コマンド。
func decryptCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "decrypt <ciphertext>",
		Short: "Decrypt a base64 ciphertext",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := doRequest(http.MethodPost, "/v1/decrypt", map[string]any{"ciphertext": args[0]}, http.StatusOK)
			if err != nil {
				return err
			}
			return render(cmd, body, func(w io.Writer) error {
				var result struct {
					Value json.RawMessage `json:"value"`
				}
				if err := json.Unmarshal(body, &result); err != nil {
					return fmt.Errorf("parsing response: %w", err)
				}
				fmt.Fprintln(w, string(result.Value))
				return nil
			})
		},
	}
}

// doRequest はAPIを呼び出し、期待するステータスであればレスポンスボディを返す。
func doRequest(method, path string, reqBody any, wantStatus int) ([]byte, error) {
	if apiURL == "" {
		return nil, fmt.Errorf("--api-url is required (or set KEYCTL_API_URL)")
	}

	var reader io.Reader
	if reqBody != nil {
		b, err := json.Marshal(reqBody)
		if err != nil {
			return nil, fmt.Errorf("encoding request: %w", err)
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, strings.TrimRight(apiURL, "/")+path, reader)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("API request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode != wantStatus {
		return nil, handleErrorResponse(resp.StatusCode, body)
	}
	return body, nil
}

// render は--outputに応じてレスポンスを出力する。
func render(cmd *cobra.Command, body []byte, text func(w io.Writer) error) error {
	if output == "json" {
		fmt.Fprintln(cmd.OutOrStdout(), strings.TrimSpace(string(body)))
		return nil
	}
	return text(cmd.OutOrStdout())
}

func renderKeyList(cmd *cobra.Command, body []byte) error {
	return render(cmd, body, func(w io.Writer) error {
		var result struct {
			Keys []keyRecord `json:"keys"`
		}
		if err := json.Unmarshal(body, &result); err != nil {
			return fmt.Errorf("parsing response: %w", err)
		}
		printKeyTable(w, result.Keys)
		return nil
	})
}

func printKeyTable(w io.Writer, keys []keyRecord) {
	fmt.Fprintf(w, "%-36s %-8s %-24s %-24s %s\n", "ID", "PROVIDER", "CREATED", "UPDATED", "ALT_NAMES")
	for _, k := range keys {
		fmt.Fprintf(w, "%-36s %-8s %-24s %-24s %s\n", k.ID, k.MasterKey.Provider, k.CreationDate, k.UpdateDate, strings.Join(k.KeyAltNames, ","))
	}
}

// codeMessages はAPIのエラーコードごとのCLI向けメッセージ。
var codeMessages = map[string]string{
	"INVALID_TYPE":                  "invalid type",
	"INVALID_ARGUMENT":              "invalid argument",
	"UNKNOWN_KMS_PROVIDER":          "unknown KMS provider",
	"UNKNOWN_ALGORITHM":             "unknown algorithm",
	"ENCRYPTION_TYPE_NOT_SUPPORTED": "value type cannot be encrypted with this algorithm",
	"DECRYPTION_FAILED":             "decryption failed",
	"KEY_NOT_FOUND":                 "key not found",
	"DUPLICATE_KEY":                 "duplicate key or alternate name",
	"KMS_PROVIDER_ERROR":            "KMS provider error",
}

func handleErrorResponse(statusCode int, body []byte) error {
	var errResp struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	if err := json.NewDecoder(bytes.NewReader(body)).Decode(&errResp); err == nil && errResp.Message != "" {
		if prefix, ok := codeMessages[errResp.Code]; ok {
			return fmt.Errorf("Error: %s: %s", prefix, errResp.Message)
		}
		return fmt.Errorf("Error: %s", errResp.Message)
	}
	return fmt.Errorf("Error: server returned status %d", statusCode)
}
