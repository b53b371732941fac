// Package checksum computes and verifies MD5/SHA-1/SHA-256/SHA-512 digests
// over streams, so downloaded artifacts never need to be buffered in memory
// to be checked.
package checksum

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"
	"sort"
	"strings"
)

// Algorithm 标识支持的摘要算法。
type Algorithm string

const (
	MD5    Algorithm = "md5"
	SHA1   Algorithm = "sha1"
	SHA256 Algorithm = "sha256"
	SHA512 Algorithm = "sha512"
)

// ErrChecksumMismatch 是所有摘要不一致错误的 sentinel。
var ErrChecksumMismatch = errors.New("checksum mismatch")

// ParseAlgorithm 接受 "sha256"、"SHA-256" 等写法。
func ParseAlgorithm(name string) (Algorithm, error) {
	normalized := strings.ToLower(strings.TrimSpace(name))
	normalized = strings.ReplaceAll(normalized, "-", "")
	switch Algorithm(normalized) {
	case MD5, SHA1, SHA256, SHA512:
		return Algorithm(normalized), nil
	}
	return "", fmt.Errorf("unsupported checksum algorithm %q", name)
}

func (a Algorithm) newHash() (hash.Hash, error) {
	switch a {
	case MD5:
		return md5.New(), nil
	case SHA1:
		return sha1.New(), nil
	case SHA256:
		return sha256.New(), nil
	case SHA512:
		return sha512.New(), nil
	}
	return nil, fmt.Errorf("unsupported checksum algorithm %q", string(a))
}

// Spec 是调用方提供的期望摘要。
type Spec struct {
	Algorithm Algorithm
	Expected  string
}

// ParseSpecs 将 algorithm -> hex 的映射转换为按算法名排序的 Spec 列表。
func ParseSpecs(sums map[string]string) ([]Spec, error) {
	specs := make([]Spec, 0, len(sums))
	for name, expected := range sums {
		alg, err := ParseAlgorithm(name)
		if err != nil {
			return nil, err
		}
		specs = append(specs, Spec{Algorithm: alg, Expected: expected})
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].Algorithm < specs[j].Algorithm })
	return specs, nil
}

// MismatchError 描述一次摘要不一致。
type MismatchError struct {
	Algorithm Algorithm
	Expected  string
	Actual    string
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("Not same digest as expected: %s expected=%s actual=%s", e.Algorithm, e.Expected, e.Actual)
}

// Is 让 errors.Is(err, ErrChecksumMismatch) 成立。
func (e *MismatchError) Is(target error) bool {
	return target == ErrChecksumMismatch
}

// Digest 以流的方式计算 r 的摘要并返回小写 hex。
func Digest(alg Algorithm, r io.Reader) (string, error) {
	h, err := alg.newHash()
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(h, r); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Verify 计算 r 的摘要并与 spec 比较。
func Verify(spec Spec, r io.Reader) error {
	actual, err := Digest(spec.Algorithm, r)
	if err != nil {
		return err
	}
	return compare(spec, actual)
}

// VerifyFile 重新读取 path 当前的磁盘内容，并校验全部 specs。
func VerifyFile(path string, specs ...Spec) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	v, err := NewVerifier(specs...)
	if err != nil {
		return err
	}
	if _, err := io.Copy(v, f); err != nil {
		return err
	}
	return v.Check()
}

func compare(spec Spec, actual string) error {
	expected := strings.ToLower(strings.TrimSpace(spec.Expected))
	if expected != actual {
		return &MismatchError{Algorithm: spec.Algorithm, Expected: spec.Expected, Actual: actual}
	}
	return nil
}
