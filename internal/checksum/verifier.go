package checksum

import (
	"encoding/hex"
	"hash"
)

// Verifier 是一个 io.Writer，一次写入同时喂给所有配置的摘要，写完后调用 Check。
// 零个 Spec 的 Verifier 总是通过校验。
type Verifier struct {
	specs  []Spec
	hashes []hash.Hash
}

// NewVerifier 为每个 Spec 准备对应的 hash 实例。
func NewVerifier(specs ...Spec) (*Verifier, error) {
	v := &Verifier{
		specs:  make([]Spec, 0, len(specs)),
		hashes: make([]hash.Hash, 0, len(specs)),
	}
	for _, spec := range specs {
		h, err := spec.Algorithm.newHash()
		if err != nil {
			return nil, err
		}
		v.specs = append(v.specs, spec)
		v.hashes = append(v.hashes, h)
	}
	return v, nil
}

// Write 实现 io.Writer；hash.Hash 的 Write 从不返回错误。
func (v *Verifier) Write(p []byte) (int, error) {
	for _, h := range v.hashes {
		h.Write(p)
	}
	return len(p), nil
}

// Empty 表示没有任何需要校验的摘要。
func (v *Verifier) Empty() bool {
	return v == nil || len(v.specs) == 0
}

// Check 比较已写入内容的摘要，返回第一个不一致的 *MismatchError。
func (v *Verifier) Check() error {
	if v == nil {
		return nil
	}
	for i, spec := range v.specs {
		actual := hex.EncodeToString(v.hashes[i].Sum(nil))
		if err := compare(spec, actual); err != nil {
			return err
		}
	}
	return nil
}
