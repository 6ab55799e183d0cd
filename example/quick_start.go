package main

import (
	"context"
	"fmt"
	"math/rand/v2"
	"strconv"

	"github.com/nyan233/monsoon"
)

func main() {
	// create file at dbset/quick_start.monsoon
	t, err := monsoon.Open[uint64, string](monsoon.Config{
		RootDir: "dbset",
		Name:    "quick_start.monsoon",
	}, monsoon.Uint64Codec{}, monsoon.JsonTypeCodec[string]{})
	if err != nil {
		panic(err)
	}

	const caller monsoon.CallerID = "quick_start"
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := t.StartTransaction(ctx, caller); err != nil {
		panic(fmt.Errorf("start tx: %w", err))
	}
	for i := uint64(0); i < 64; i++ {
		if err := t.Put(caller, i, strconv.FormatUint(rand.Uint64(), 10)); err != nil {
			panic(fmt.Errorf("put: %w", err))
		}
	}
	if err := t.EndTransaction(caller); err != nil {
		panic(fmt.Errorf("end tx: %w", err))
	}

	for i := uint64(0); i < 64; i++ {
		k := rand.Uint64N(63)
		v, found, err := t.Get(caller, k)
		if err != nil {
			panic(fmt.Errorf("get: %w", err))
		}
		if !found {
			panic(fmt.Errorf("not found: %d", k))
		}
		fmt.Printf("tree.getVal key=%d, val=%s\n", k, v)
	}

	for k, v := range t.Select(nil, nil) {
		fmt.Printf("scan key=%d, val=%s\n", k, v)
	}

	if err := t.Close(); err != nil {
		panic(fmt.Errorf("close: %w", err))
	}
}
