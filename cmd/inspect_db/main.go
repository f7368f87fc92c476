package main

import (
	"database/sql"
	"fmt"
	"log"
	"os"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"
)

// Ad-hoc consistency checks against the replicator database. Read-only.
func main() {
	godotenv.Load()

	connStr := os.Getenv("REPLICATOR_DATABASE_DSN")
	if connStr == "" {
		log.Fatal("REPLICATOR_DATABASE_DSN not set")
	}

	db, err := sql.Open("pgx", connStr)
	if err != nil {
		log.Fatalf("Failed to connect to DB: %v", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		log.Fatalf("Failed to ping DB: %v", err)
	}

	fmt.Println("Successfully connected to DB")

	// 1. Tracked sources overview
	fmt.Println("\n--- Tracked sources ---")
	rows, err := db.Query(`
		SELECT address, label, active, settings->>'sizing_mode', updated_at
		FROM tracked_sources
		ORDER BY created_at ASC
	`)
	if err != nil {
		log.Printf("Error querying sources: %v", err)
	} else {
		defer rows.Close()
		found := false
		for rows.Next() {
			found = true
			var address, label string
			var active bool
			var sizingMode sql.NullString
			var updatedAt string
			if err := rows.Scan(&address, &label, &active, &sizingMode, &updatedAt); err != nil {
				log.Printf("Error scanning row: %v", err)
				continue
			}
			fmt.Printf("Source: %s, Label: %s, Active: %v, Sizing: %s, Updated: %s\n",
				address, label, active, sizingMode.String, updatedAt)
		}
		if !found {
			fmt.Println("No tracked sources registered.")
		}
	}

	// 2. Failure rate per source over the last day
	fmt.Println("\n--- Execution failures (last 24h) ---")
	rows2, err := db.Query(`
		SELECT source_address,
			COUNT(*) FILTER (WHERE success) AS ok,
			COUNT(*) FILTER (WHERE NOT success) AS failed
		FROM execution_results
		WHERE executed_at > now() - interval '24 hours'
		GROUP BY source_address
		ORDER BY failed DESC
	`)
	if err != nil {
		log.Printf("Error querying execution results: %v", err)
	} else {
		defer rows2.Close()
		for rows2.Next() {
			var source string
			var ok, failed int64
			if err := rows2.Scan(&source, &ok, &failed); err != nil {
				log.Printf("Error scanning row: %v", err)
				continue
			}
			fmt.Printf("Source: %s, OK: %d, Failed: %d\n", source, ok, failed)
		}
	}

	// 3. Recent failed legs with errors
	fmt.Println("\n--- Recent failed executions ---")
	rows3, err := db.Query(`
		SELECT source_address, market_id, side, size, price, error, executed_at
		FROM execution_results
		WHERE NOT success
		ORDER BY executed_at DESC
		LIMIT 10
	`)
	if err != nil {
		log.Printf("Error querying failed executions: %v", err)
	} else {
		defer rows3.Close()
		for rows3.Next() {
			var source, market, side, errMsg, at string
			var size, price float64
			if err := rows3.Scan(&source, &market, &side, &size, &price, &errMsg, &at); err != nil {
				log.Printf("Error scanning row: %v", err)
				continue
			}
			fmt.Printf("Time: %s, Source: %s, Market: %s, %s %.4f @ %.4f, Error: %s\n",
				at, source, market, side, size, price, errMsg)
		}
	}

	// 4. Executed positions recorded for sources no longer tracked: these are
	// harmless but indicate stale no-repeat state worth pruning.
	fmt.Println("\n--- Orphan executed positions ---")
	rows4, err := db.Query(`
		SELECT e.source_address, COUNT(*)
		FROM executed_positions e
		LEFT JOIN tracked_sources s ON e.source_address = s.address
		WHERE s.address IS NULL
		GROUP BY e.source_address
	`)
	if err != nil {
		log.Printf("Error querying orphans: %v", err)
	} else {
		defer rows4.Close()
		found := false
		for rows4.Next() {
			found = true
			var source string
			var count int64
			rows4.Scan(&source, &count)
			fmt.Printf("Orphan: Source=%s, Records=%d\n", source, count)
		}
		if !found {
			fmt.Println("No orphan executed positions found.")
		}
	}

	// 5. Mirror run summaries
	fmt.Println("\n--- Recent mirror runs ---")
	rows5, err := db.Query(`
		SELECT source_address, started_at, finished_at,
			run->>'sell_successes', run->>'sell_failures',
			run->>'buy_successes', run->>'buy_failures'
		FROM mirror_runs
		ORDER BY started_at DESC
		LIMIT 5
	`)
	if err != nil {
		log.Printf("Error querying mirror runs: %v", err)
	} else {
		defer rows5.Close()
		for rows5.Next() {
			var source, started, finished string
			var sellOK, sellFail, buyOK, buyFail sql.NullString
			rows5.Scan(&source, &started, &finished, &sellOK, &sellFail, &buyOK, &buyFail)
			fmt.Printf("Run: Source=%s, Started=%s, Sells=%s ok/%s failed, Buys=%s ok/%s failed\n",
				source, started, sellOK.String, sellFail.String, buyOK.String, buyFail.String)
		}
	}
}
