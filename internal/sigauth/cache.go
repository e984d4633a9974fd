package sigauth

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	lru "github.com/hashicorp/golang-lru/v2"
)

// CachingRecoverer memoizes successful recoveries of an underlying Recoverer.
// Validation endpoints are public, so the same (digest, signature) pair is
// often checked repeatedly before completion.
type CachingRecoverer struct {
	next  Recoverer
	cache *lru.Cache[string, common.Address]
}

// NewCachingRecoverer wraps next with an LRU of the given size.
func NewCachingRecoverer(next Recoverer, size int) (*CachingRecoverer, error) {
	if size <= 0 {
		size = 1024
	}
	cache, err := lru.New[string, common.Address](size)
	if err != nil {
		return nil, fmt.Errorf("sigauth: create recovery cache: %w", err)
	}
	return &CachingRecoverer{next: next, cache: cache}, nil
}

// RecoverSigner implements Recoverer.
func (c *CachingRecoverer) RecoverSigner(digest common.Hash, sig Signature) (common.Address, error) {
	key := digest.Hex() + sig.Hex()
	if addr, ok := c.cache.Get(key); ok {
		return addr, nil
	}
	addr, err := c.next.RecoverSigner(digest, sig)
	if err != nil {
		return common.Address{}, err
	}
	c.cache.Add(key, addr)
	return addr, nil
}
