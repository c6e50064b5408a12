package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/httptim/rednetd/internal/search"
	"github.com/httptim/rednetd/internal/searchindex"
)

func main() {
	var (
		indexPath = flag.String("index", "index.json", "Path to a saved search index")
		category  = flag.String("category", "", "Restrict to a content kind (markup, dynamic, text)")
		sortBy    = flag.String("sort", "", "Sort order: relevance (default) or title")
		limit     = flag.Int("limit", 10, "Maximum results to print")
		offset    = flag.Int("offset", 0, "Results to skip")
		suggest   = flag.String("suggest", "", "Print term suggestions for a prefix instead of searching")
	)
	flag.Parse()

	ix := searchindex.New()
	if err := ix.Load(*indexPath); err != nil {
		fmt.Fprintf(os.Stderr, "failed to load index: %v\n", err)
		os.Exit(1)
	}
	engine := search.NewEngine(ix)

	if *suggest != "" {
		for _, term := range engine.Suggestions(*suggest, *limit) {
			fmt.Println(term)
		}
		return
	}

	if flag.NArg() == 0 {
		fmt.Fprintf(os.Stderr, "Usage: searchquery [flags] query terms...\n")
		os.Exit(2)
	}
	query := strings.Join(flag.Args(), " ")

	results, err := engine.Search(query, search.Options{Category: *category, Sort: *sortBy})
	if err != nil {
		fmt.Fprintf(os.Stderr, "searchquery error: %v\n", err)
		os.Exit(1)
	}

	total := len(results)
	if *offset < len(results) {
		results = results[*offset:]
	} else {
		results = nil
	}
	if *limit > 0 && len(results) > *limit {
		results = results[:*limit]
	}

	fmt.Printf("%d documents indexed, %d matched\n", ix.Count(), total)
	for i, r := range results {
		title := r.Title
		if title == "" {
			title = "(untitled)"
		}
		fmt.Printf("%2d. %s  [%s]  score=%.3f\n", *offset+i+1, title, r.URL, r.Score)
		if r.Snippet != "" {
			fmt.Printf("    %s\n", r.Snippet)
		}
	}
}
