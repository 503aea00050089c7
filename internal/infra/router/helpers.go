package router

import (
	"github.com/cespare/xxhash/v2"

	"github.com/atmosphere-mesh/atmosphere/internal/infra/dsa"
)

func xxhashBytes(b []byte) uint64 { return xxhash.Sum64(b) }

func hammingDistance(a, b uint64) int { return dsa.HammingDistance(a, b) }
