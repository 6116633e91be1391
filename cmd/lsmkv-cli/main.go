// Command lsmkv-cli is a thin interactive shell over a lsmkv database:
// SET/GET/DELETE/SCAN/exit, plus a non-interactive test mode that runs
// the engine's end-to-end scenario battery and exits non-zero on the
// first failure.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"lsmkv"
)

func main() {
	testMode := flag.Bool("test", false, "run the scenario battery against a fresh database and exit")
	path := flag.String("db", "", "data directory (required)")
	flag.Parse()

	if *path == "" {
		fmt.Fprintln(os.Stderr, "usage: lsmkv-cli -db <path> [-test]")
		os.Exit(1)
	}

	opts := lsmkv.DefaultOptions()
	opts.Path = *path
	opts.CreateIfMissing = true
	opts.Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	if *testMode {
		if err := runScenarios(opts); err != nil {
			fmt.Fprintf(os.Stderr, "FAIL: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("all scenarios passed")
		return
	}

	db, err := lsmkv.Open(opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open database: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	repl(db, os.Stdin, os.Stdout)
}

// repl reads whitespace-separated commands from in and writes results
// to out until it sees "exit" or EOF.
func repl(db *lsmkv.DB, in *os.File, out *os.File) {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		cmd := strings.ToUpper(fields[0])

		switch cmd {
		case "SET":
			if len(fields) != 3 {
				fmt.Fprintln(out, "usage: SET key value")
				continue
			}
			if err := db.Put([]byte(fields[1]), []byte(fields[2])); err != nil {
				fmt.Fprintf(out, "error: %v\n", err)
				continue
			}
			fmt.Fprintln(out, "OK")

		case "GET":
			if len(fields) != 2 {
				fmt.Fprintln(out, "usage: GET key")
				continue
			}
			value, err := db.Get([]byte(fields[1]))
			switch {
			case err == lsmkv.ErrNotFound:
				fmt.Fprintln(out, "not found")
			case err != nil:
				fmt.Fprintf(out, "error: %v\n", err)
			default:
				fmt.Fprintln(out, string(value))
			}

		case "DELETE":
			if len(fields) != 2 {
				fmt.Fprintln(out, "usage: DELETE key")
				continue
			}
			if err := db.Delete([]byte(fields[1])); err != nil {
				fmt.Fprintf(out, "error: %v\n", err)
				continue
			}
			fmt.Fprintln(out, "OK")

		case "SCAN":
			if len(fields) != 3 {
				fmt.Fprintln(out, "usage: SCAN start end")
				continue
			}
			if err := runScan(db, out, fields[1], fields[2]); err != nil {
				fmt.Fprintf(out, "error: %v\n", err)
			}

		case "EXIT":
			return

		default:
			fmt.Fprintf(out, "unknown command: %s\n", fields[0])
		}
	}
}

// runScan prints every live (key, value) pair in [start, end], inclusive
// on both ends per the CLI's SCAN contract, by widening the engine's
// half-open Scan to include a key exactly equal to end.
func runScan(db *lsmkv.DB, out *os.File, start, end string) error {
	limit := append([]byte(end), 0)
	it, err := db.Scan([]byte(start), limit)
	if err != nil {
		return err
	}
	defer it.Close()

	for it.Valid() {
		fmt.Fprintf(out, "%s = %s\n", it.Key(), it.Value())
		it.Next()
	}
	return it.Error()
}
