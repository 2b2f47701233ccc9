package domain

import "fmt"

// Algorithm はフィールド暗号化アルゴリズムの識別子。
type Algorithm string

const (
	// AlgorithmDeterministic は同じ鍵・平文から常に同じ暗号文を生成する。
	AlgorithmDeterministic Algorithm = "AEAD_AES_256_CBC_HMAC_SHA_512-Deterministic"
	// AlgorithmRandom は暗号化のたびに異なる暗号文を生成する。
	AlgorithmRandom Algorithm = "AEAD_AES_256_CBC_HMAC_SHA_512-Random"
)

// ParseAlgorithm は文字列からアルゴリズムを解決する。
func ParseAlgorithm(s string) (Algorithm, error) {
	switch a := Algorithm(s); a {
	case AlgorithmDeterministic, AlgorithmRandom:
		return a, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownAlgorithm, s)
	}
}
