package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/binstate/dlmm-engine-go/protocols/dlmm"
	"github.com/binstate/dlmm-engine-go/protocols/dlmm/calculator"
	"github.com/binstate/dlmm-engine-go/protocols/dlmm/pool"
	"github.com/binstate/dlmm-engine-go/protocols/dlmm/registry"
)

// --- VISUAL CONSTANTS ---
const (
	Reset  = "\033[0m"
	Bold   = "\033[1m"
	Red    = "\033[31m"
	Green  = "\033[32m"
	Yellow = "\033[33m"
	Cyan   = "\033[36m"
)

// header prints a styled section header
func header(title string) {
	fmt.Println("\n" + Bold + Cyan + ":: " + title + " ::" + Reset)
}

// seedBin is one fixture liquidity entry.
type seedBin struct {
	ID      int32  `json:"id"`
	AmountA uint64 `json:"amountA"`
	AmountB uint64 `json:"amountB"`
}

// consoleConfig is the JSON fixture the console boots from.
type consoleConfig struct {
	TokenA      dlmm.TypeTag       `json:"tokenA"`
	TokenB      dlmm.TypeTag       `json:"tokenB"`
	DecimalsA   uint8              `json:"decimalsA"`
	DecimalsB   uint8              `json:"decimalsB"`
	ActiveID    int32              `json:"activeId"`
	BaseFeeRate uint64             `json:"baseFeeRate"`
	Step        dlmm.BinStepConfig `json:"step"`
	Now         uint64             `json:"now"`
	Bins        []seedBin          `json:"bins"`
}

func defaultConfig() consoleConfig {
	return consoleConfig{
		TokenA:      "0xaaaa::coin::ALPHA",
		TokenB:      "0xbbbb::coin::BETA",
		DecimalsA:   9,
		DecimalsB:   9,
		ActiveID:    0,
		BaseFeeRate: 30_000,
		Step: dlmm.BinStepConfig{
			BinStep:                  25,
			BaseFactor:               1,
			FilterPeriod:             60,
			DecayPeriod:              600,
			ReductionFactor:          9000,
			VariableFeeControl:       50_000,
			MaxVolatilityAccumulator: 1_000_000,
			ProtocolFeeRate:          30_000,
		},
		Now: 1_757_332_800,
		Bins: []seedBin{
			{ID: -2, AmountB: 2_000_000},
			{ID: -1, AmountB: 1_000_000},
			{ID: 0, AmountA: 1_000_000, AmountB: 1_000_000},
			{ID: 1, AmountA: 1_000_000},
			{ID: 2, AmountA: 2_000_000},
		},
	}
}

func loadConfig(path string) (consoleConfig, error) {
	if path == "" {
		return defaultConfig(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return consoleConfig{}, err
	}
	var cfg consoleConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return consoleConfig{}, err
	}
	return cfg, nil
}

func main() {
	configPath := flag.String("config", "", "path to a pool fixture JSON; empty for the demo pool")
	flag.Parse()

	// --- 1. SETUP LOGGING (To File) ---
	logFile, err := os.OpenFile("console.log", os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
	if err != nil {
		panic(fmt.Sprintf("Failed to open log file: %v", err))
	}
	defer logFile.Close()

	rootLogger := slog.New(slog.NewJSONHandler(logFile, nil))

	closeApp := func() {
		fmt.Println("\n" + Red + "Fatal error occurred. Check console.log for details." + Reset)
		os.Exit(1)
	}

	// --- 2. CONFIG & POOL ---
	cfg, err := loadConfig(*configPath)
	if err != nil {
		rootLogger.Error("Failed to load configuration", "error", err)
		closeApp()
	}

	reg, err := registry.New(registry.Config{
		Registry: prometheus.DefaultRegisterer,
		Logger:   rootLogger.With("component", "dlmm-pool"),
	})
	if err != nil {
		rootLogger.Error("Failed to initialize registry", "error", err)
		closeApp()
	}

	p, err := reg.CreatePool(cfg.TokenA, cfg.TokenB, cfg.Step, cfg.ActiveID, cfg.BaseFeeRate, cfg.Now)
	if err != nil {
		rootLogger.Error("Failed to create pool", "error", err)
		closeApp()
	}

	if err := seed(p, cfg); err != nil {
		rootLogger.Error("Failed to seed liquidity", "error", err)
		closeApp()
	}

	fmt.Println(Green + "DLMM console ready." + Reset)
	fmt.Printf("Pool %s (%s / %s)\n", p.ID().Hex(), cfg.TokenA, cfg.TokenB)

	runConsole(p, cfg)
}

// seed funds the fixture bins through the regular open/add/repay flow.
func seed(p *pool.Pool, cfg consoleConfig) error {
	if len(cfg.Bins) == 0 {
		return nil
	}
	lower := cfg.Bins[0].ID
	upper := cfg.Bins[len(cfg.Bins)-1].ID
	pos, openCert, err := p.OpenPosition(lower, upper-lower+1, false)
	if err != nil {
		return err
	}
	ids := make([]int32, len(cfg.Bins))
	amountsA := make([]uint64, len(cfg.Bins))
	amountsB := make([]uint64, len(cfg.Bins))
	for i, b := range cfg.Bins {
		ids[i], amountsA[i], amountsB[i] = b.ID, b.AmountA, b.AmountB
	}
	addCert, err := p.AddLiquidity(pos, ids, amountsA, amountsB, cfg.Now)
	if err != nil {
		return err
	}
	if err := p.RepayAdd(addCert, addCert.AmountA, addCert.AmountB); err != nil {
		return err
	}
	return p.RepayOpen(openCert, 0, 0)
}

func printMenu() {
	header("DLMM Console")
	fmt.Println("  bins                                show populated bins")
	fmt.Println("  price                               show the active bin spot price")
	fmt.Println("  quote <in|out> <a2b|b2a> <amount>   dry-run a swap")
	fmt.Println("  swap <in|out> <a2b|b2a> <amount>    execute a swap")
	fmt.Println("  exit")
}

// runConsole handles user input and display.
func runConsole(p *pool.Pool, cfg consoleConfig) {
	reader := bufio.NewReader(os.Stdin)
	now := cfg.Now

	for {
		printMenu()
		fmt.Print(Bold + "> " + Reset)

		line, err := reader.ReadString('\n')
		if err != nil {
			return
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		now++ // each command advances the clock one second

		switch fields[0] {
		case "bins":
			printBins(p)

		case "price":
			bin, err := p.Bin(p.ActiveID())
			if err != nil {
				fmt.Println(Red + "no active bin populated" + Reset)
				continue
			}
			spot := calculator.GetSpotPrice(bin.Price, cfg.DecimalsA, cfg.DecimalsB)
			fmt.Printf("active bin %d, price %s\n", p.ActiveID(), spot.StringFixed(9))

		case "quote", "swap":
			if len(fields) != 4 {
				fmt.Println(Yellow + "usage: " + fields[0] + " <in|out> <a2b|b2a> <amount>" + Reset)
				continue
			}
			byAmountIn := fields[1] == "in"
			a2b := fields[2] == "a2b"
			amount, err := strconv.ParseUint(fields[3], 10, 64)
			if err != nil {
				fmt.Println(Red + "bad amount: " + err.Error() + Reset)
				continue
			}

			var result *dlmm.SwapResult
			if fields[0] == "quote" {
				view := p.View()
				if byAmountIn {
					result, _, err = calculator.SimulateExactInSwap(amount, a2b, now, view)
				} else {
					result, _, err = calculator.SimulateExactOutSwap(amount, a2b, now, view)
				}
			} else {
				if byAmountIn {
					result, err = p.SwapExactIn(amount, a2b, now, nil)
				} else {
					result, err = p.SwapExactOut(amount, a2b, now, nil)
				}
			}
			if err != nil {
				fmt.Println(Red + "swap failed: " + err.Error() + Reset)
				continue
			}
			printResult(result)

		case "exit", "quit":
			fmt.Println(Yellow + "bye" + Reset)
			return

		default:
			fmt.Println(Yellow + "unknown command " + fields[0] + Reset)
		}
	}
}

func printBins(p *pool.Pool) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, Bold+"ID\tAMOUNT A\tAMOUNT B\tSUPPLY"+Reset)
	for _, b := range p.Bins() {
		marker := " "
		if b.ID == p.ActiveID() {
			marker = Green + "*" + Reset
		}
		fmt.Fprintf(w, "%s%d\t%d\t%d\t%s\n", marker, b.ID, b.AmountA, b.AmountB, b.LiquiditySupply.Dec())
	}
	w.Flush()
}

func printResult(r *dlmm.SwapResult) {
	header("Swap Result")
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "amount in\t%d\n", r.AmountIn)
	fmt.Fprintf(w, "amount out\t%d\n", r.AmountOut)
	fmt.Fprintf(w, "fee\t%d\n", r.Fee)
	fmt.Fprintf(w, "protocol fee\t%d\n", r.ProtocolFee)
	fmt.Fprintf(w, "ref fee\t%d\n", r.RefFee)
	w.Flush()

	fmt.Println(Bold + "steps:" + Reset)
	for _, s := range r.Steps {
		fmt.Printf("  bin %d: in %d, out %d, fee %d (var rate %d)\n",
			s.BinID, s.AmountIn, s.AmountOut, s.Fee, s.VarFeeRate)
	}
}
