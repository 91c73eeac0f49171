package main

import (
	"context"
	"fmt"
	"os"

	"github.com/daos-stack/vea"
	"github.com/daos-stack/vea/txn"
)

func main() {
	fmt.Println("VEA demo starting...")
	ctx := context.Background()

	engine := txn.NewMemEngine()
	rootID := engine.Store.Alloc(256)

	cfg := vea.Config{BlockSize: 4096, HeaderBlocks: 1, Capacity: 1 << 16}
	if err := vea.Format(ctx, engine, engine.Store, rootID, cfg, false); err != nil {
		fmt.Println("format failed:", err)
		os.Exit(1)
	}
	fmt.Println("space formatted, capacity blocks:", cfg.Capacity)

	space, err := vea.Load(ctx, rootID, cfg, vea.LoadOptions{Engine: engine, Store: engine.Store})
	if err != nil {
		fmt.Println("load failed:", err)
		os.Exit(1)
	}
	fmt.Println("space loaded, publish generation:", space.PublishGeneration())

	hint := vea.HintLoad(space, "stream-0")

	list := vea.NewReservationList()
	if err := vea.Reserve(ctx, space, 64, hint, list); err != nil {
		fmt.Println("reserve failed:", err)
		os.Exit(1)
	}
	reserved := list.Entries()
	fmt.Println("reserved:", reserved)

	if err := vea.TxPublish(ctx, space, hint, list); err != nil {
		fmt.Println("publish failed:", err)
		os.Exit(1)
	}
	fmt.Println("published, new generation:", space.PublishGeneration())

	for _, r := range reserved {
		if err := vea.Free(space, vea.Extent{Offset: r.Offset, Length: r.Length}); err != nil {
			fmt.Println("free failed:", err)
			os.Exit(1)
		}
	}
	fmt.Println("freed", len(reserved), "extent(s) into the aging set")

	migrated, err := vea.MigrateAging(ctx, space)
	if err != nil {
		fmt.Println("migrate aging failed:", err)
		os.Exit(1)
	}
	fmt.Println("migrated from aging:", migrated, "(0 expected before the aging window elapses)")

	report := vea.VerifyAlloc(space)
	fmt.Println("verify ok:", report.OK(), "free blocks:", report.FreeBlocks)

	for _, e := range vea.Dump(space) {
		fmt.Printf("  %s [%d,%d)\n", e.State, e.Offset, e.Offset+uint64(e.Length))
	}

	vea.HintUnload(hint)
	space.Unload()
	fmt.Println("VEA demo done.")
}
