package stores_test

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/openfroyo/buildmatrix/pkg/stores"
)

// ExampleNewSQLiteStore demonstrates creating and initializing a new SQLite store.
func ExampleNewSQLiteStore() {
	store, err := stores.NewSQLiteStore(stores.Config{
		Path: stores.MemoryPath,
	})
	if err != nil {
		log.Fatal(err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		log.Fatal(err)
	}
	if err := store.Migrate(ctx); err != nil {
		log.Fatal(err)
	}
	defer store.Close()

	fmt.Println("Store initialized successfully")
	// Output: Store initialized successfully
}

// ExampleSQLiteStore_CreateResolution records a resolved matrix and its jobs.
func ExampleSQLiteStore_CreateResolution() {
	store, _ := stores.NewSQLiteStore(stores.Config{Path: stores.MemoryPath})
	ctx := context.Background()
	_ = store.Init(ctx)
	_ = store.Migrate(ctx)
	defer store.Close()

	resolution := &stores.Resolution{
		ID:          "res-001",
		Source:      "ci/matrix.yaml",
		Format:      "yaml",
		Fingerprint: "4f2c",
		Status:      stores.ResolutionStatusSucceeded,
	}
	jobs := []*stores.Job{
		{Name: "linux", OperatingSystem: "linux", ToolchainVersion: "1.52.1", Entry: "{}"},
		{Name: "windows-msvc", OperatingSystem: "windows", ToolchainVersion: "1.52.1-msvc", Entry: "{}"},
	}

	if err := store.CreateResolution(ctx, resolution, jobs); err != nil {
		log.Fatal(err)
	}

	listed, _ := store.ListJobs(ctx, resolution.ID)
	for _, job := range listed {
		fmt.Printf("%d %s %s\n", job.Position, job.Name, job.ToolchainVersion)
	}
	// Output:
	// 0 linux 1.52.1
	// 1 windows-msvc 1.52.1-msvc
}

// ExampleSQLiteStore_RecordJobRun records a job result and lists it back.
func ExampleSQLiteStore_RecordJobRun() {
	store, _ := stores.NewSQLiteStore(stores.Config{Path: stores.MemoryPath})
	ctx := context.Background()
	_ = store.Init(ctx)
	_ = store.Migrate(ctx)
	defer store.Close()

	_ = store.CreateResolution(ctx, &stores.Resolution{
		ID:     "res-001",
		Source: "ci/matrix.yaml",
		Status: stores.ResolutionStatusSucceeded,
	}, nil)

	run := &stores.JobRun{
		ResolutionID: "res-001",
		JobName:      "linux",
		Runner:       "local",
		Status:       stores.JobRunStatusPassed,
		Duration:     2 * time.Second,
		StartedAt:    time.Now().UTC(),
	}
	if err := store.RecordJobRun(ctx, run); err != nil {
		log.Fatal(err)
	}

	id := "res-001"
	runs, _ := store.ListJobRuns(ctx, &id, 10, 0)
	fmt.Println(runs[0].JobName, runs[0].Status, runs[0].Duration)
	// Output: linux passed 2s
}
