// Command inspect prints the persisted order book and exports trade history
// from the bot's database without touching the exchange.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"sort"
	"time"

	"github.com/joho/godotenv"

	"bracketBot/internal/adapters/logger"
	"bracketBot/internal/adapters/sqlite"
	"bracketBot/internal/analytics"
	"bracketBot/internal/domain"
	"bracketBot/internal/utils"
)

func main() {
	_ = godotenv.Load()

	defaultDB := os.Getenv("DB_PATH")
	if defaultDB == "" {
		defaultDB = "./data/bracket_bot.db"
	}
	dbPath := flag.String("db", defaultDB, "path to the sqlite database")
	symbol := flag.String("symbol", "", "list trades of this symbol")
	tag := flag.String("tag", "", "list trades of this signal tag")
	limit := flag.Int("limit", 100, "maximum number of trades")
	csvPath := flag.String("csv", "", "write the listed trades to this CSV file instead of stdout")
	flag.Parse()

	ctx := context.Background()

	// 1. Initialize Logger
	appLogger := logger.NewStdLogger(logger.LevelWarn)

	// 2. Open Repository
	repo, err := sqlite.NewRepository(sqlite.Config{DBPath: *dbPath, Logger: appLogger})
	if err != nil {
		log.Fatalf("FATAL: Failed to open database %s: %v", *dbPath, err)
	}
	defer repo.Close()

	// 3. Order book
	snap, err := repo.LoadSnapshot(ctx)
	if err != nil {
		log.Fatalf("Error loading order book: %v", err)
	}
	if snap.SavedAt.IsZero() {
		fmt.Println("No order book saved yet.")
	} else {
		fmt.Printf("Order book saved at %s (%d orders, streams %v)\n", snap.SavedAt.Format("2006-01-02 15:04:05"), len(snap.Orders), snap.Subscriptions)
		if err := utils.WriteOrderTree(os.Stdout, snap.Orders); err != nil {
			log.Fatalf("Error printing order book: %v", err)
		}
	}

	// 4. Trade history
	total, err := repo.GetTotalProfit(ctx)
	if err != nil {
		log.Fatalf("Error reading total profit: %v", err)
	}
	fmt.Printf("Total realized PNL: %.4f\n", total)

	var trades []*domain.Trade
	switch {
	case *symbol != "":
		trades, err = repo.FindBySymbol(ctx, *symbol, *limit)
	case *tag != "":
		trades, err = repo.FindByTag(ctx, *tag, *limit)
	default:
		return
	}
	if err != nil {
		log.Fatalf("Error reading trades: %v", err)
	}

	// 5. Summary, kept off stdout when stdout carries the CSV
	summaryOut := os.Stdout
	if *csvPath == "" {
		summaryOut = os.Stderr
	}
	printSummary(summaryOut, analytics.Summarize(trades))

	out := os.Stdout
	if *csvPath != "" {
		f, err := os.Create(*csvPath)
		if err != nil {
			log.Fatalf("Error creating %s: %v", *csvPath, err)
		}
		defer f.Close()
		out = f
	}
	if err := utils.WriteTradesToCSV(out, trades); err != nil {
		log.Fatalf("Error writing CSV: %v", err)
	}
	if *csvPath != "" {
		fmt.Printf("Saved %d trades to %s\n", len(trades), *csvPath)
	}
}

func printSummary(w io.Writer, s *analytics.Summary) {
	fmt.Fprintf(w, "Brackets: %d (%d legs), won %d, lost %d, win rate %.1f%%\n",
		s.Brackets, s.Legs, s.WinningBrackets, s.LosingBrackets, s.WinRate*100)
	fmt.Fprintf(w, "PNL: %.4f, avg win %.4f, avg loss %.4f, profit factor %.2f, max drawdown %.4f\n",
		s.TotalProfit, s.AverageWin, s.AverageLoss, s.ProfitFactor, s.MaxDrawdown)
	fmt.Fprintf(w, "Max consecutive losses: %d, average holding: %s\n", s.MaxConsecutiveLosses, s.AverageHolding.Round(time.Second))

	tags := make([]string, 0, len(s.ProfitByTag))
	for tag := range s.ProfitByTag {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	for _, tag := range tags {
		fmt.Fprintf(w, "  tag %-12s %.4f\n", tag, s.ProfitByTag[tag])
	}
	for reason, n := range s.LegsByClose {
		fmt.Fprintf(w, "  closed by %-8s %d\n", reason, n)
	}
}
