package main

import (
	"fmt"
	"math/rand/v2"
	"os"
	"strconv"

	"github.com/nyan233/blinktree"
)

func main() {
	// create file with path is dbset/quick_start.blt
	if err := os.MkdirAll("dbset", 0755); err != nil {
		panic(err)
	}
	t := blinktree.NewTree(blinktree.Config{
		Path:            "dbset/quick_start.blt",
		Order:           32,
		RecordCacheSize: 1 << 20,
	})
	err := t.Init()
	if err != nil {
		panic(err)
	}
	tt := blinktree.NewTypedTree[string](t, new(blinktree.JsonTypeCodec[string]))
	for i := uint64(0); i < 64; i++ {
		err = tt.Put(i, strconv.FormatUint(rand.Uint64(), 10))
		if err != nil {
			panic(fmt.Errorf("put err:%v", err))
		}
	}
	for i := 0; i < 64; i++ {
		k := rand.Uint64N(63)
		v, found, err := tt.Get(k)
		if err != nil {
			panic(fmt.Errorf("get err:%v", err))
		}
		if !found {
			panic(fmt.Errorf("not found :%d", k))
		}
		fmt.Printf("tree.getVal key=%d, val=%s\n", k, v)
	}
	meta, err := t.ReadMeta()
	if err != nil {
		panic(err)
	}
	fmt.Println(meta)
	err = t.Close()
	if err != nil {
		panic(fmt.Errorf("close err:%v", err))
	}
}
