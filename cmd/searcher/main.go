// Copyright 2025 Poiesic Systems
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.


package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/poiesic/bioindex"
)

func init() {
	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})
	slog.SetDefault(slog.New(handler))
}

func main() {
	db, err := bioindex.NewDatabase("./bioindex_db")
	if err != nil {
		panic(err)
	}
	defer db.Close()
	searcher, err := db.NewSearcher()
	if err != nil {
		panic(err)
	}

	ctx := context.Background()
	query := "fly agaric"
	if len(os.Args) > 1 {
		query = strings.Join(os.Args[1:], " ")
	}

	result, err := searcher.Search(ctx, query, nil, 5)
	if err != nil {
		panic(err)
	}

	if result.Degraded {
		fmt.Println("(degraded: one backend unavailable)")
	}
	fmt.Printf("Found %d hits\n", len(result.Hits))
	for i, hit := range result.Hits {
		fmt.Printf("%d: '%s' (%d)[%0.3f]\n", i, hit.Taxon.CanonicalName, hit.TaxonId, hit.Score)
	}
}
