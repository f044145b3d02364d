package main

import (
	"context"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ngaut/log"
	"github.com/pingcap-incubator/tinydora/kv/config"
	"github.com/pingcap-incubator/tinydora/kv/dora"
	"github.com/pingcap-incubator/tinydora/kv/storage"
	"github.com/pingcap-incubator/tinydora/kv/workload/tpcb"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

var (
	gitHash = "None"
)

var (
	configPath string
	logLevel   string
	statusAddr string

	branches          int
	accountsPerBranch int
	skew              float64
	localPercent      int
	initBalance       int64
	mixArg            string
	skipLoad          bool

	threads  int
	target   int
	duration time.Duration
)

func loadConfig() *config.Config {
	conf := config.NewDefaultConfig()
	if configPath != "" {
		if err := conf.LoadFile(configPath); err != nil {
			log.Fatal(err)
		}
	}
	if logLevel != "" {
		conf.LogLevel = logLevel
	}
	log.SetLevelByString(conf.LogLevel)
	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds | log.Lshortfile)
	if err := conf.Validate(); err != nil {
		log.Fatal(err)
	}
	log.Infof("conf %+v", conf)
	return conf
}

func scaleFromFlags() tpcb.Scale {
	s := tpcb.NewScale(branches)
	s.AccountsPerBranch = accountsPerBranch
	s.Skew = skew
	s.LocalPercent = localPercent
	if err := s.Validate(); err != nil {
		log.Fatal(err)
	}
	return s
}

func serveStatus(addr string) {
	if addr == "" {
		return
	}
	http.Handle("/metrics", promhttp.Handler())
	go func() {
		log.Infof("status server listening on %s", addr)
		if err := http.ListenAndServe(addr, nil); err != nil {
			log.Errorf("status server failed: %v", err)
		}
	}()
}

// newEnv opens the engine of conf and registers the TPC-B tables on a stopped env.
func newEnv(conf *config.Config, s tpcb.Scale) (*dora.Env, storage.Engine) {
	engine, err := storage.Open(conf)
	if err != nil {
		log.Fatal(err)
	}
	env, err := dora.NewEnv(conf, engine)
	if err != nil {
		log.Fatal(err)
	}
	if err := tpcb.Register(env, s); err != nil {
		log.Fatal(err)
	}
	return env, engine
}

func runBenchCommandFunc(cmd *cobra.Command, args []string) {
	conf := loadConfig()
	s := scaleFromFlags()
	mix, err := parseMix(mixArg)
	if err != nil {
		log.Fatal(err)
	}
	serveStatus(statusAddr)

	env, engine := newEnv(conf, s)
	defer engine.Close()
	if !skipLoad || conf.Engine == config.EngineMemory {
		if err := tpcb.Clear(engine); err != nil {
			log.Fatal(err)
		}
		if err := tpcb.Load(engine, s, initBalance); err != nil {
			log.Fatal(err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), duration)
	defer cancel()
	sc := make(chan os.Signal, 1)
	signal.Notify(sc, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	go func() {
		select {
		case sig := <-sc:
			log.Infof("got signal [%v] to exit", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	if err := env.Start(); err != nil {
		log.Fatal(err)
	}
	b := &bench{
		env:      env,
		workload: tpcb.NewWorkload(s),
		mix:      mix,
		threads:  threads,
		target:   target,
	}
	rep := b.run(ctx)
	// Partitions are dropped on stop.
	stats := env.Stats()
	if err := env.Stop(); err != nil {
		log.Error(err)
	}
	rep.print(os.Stdout, stats)
}

func runPlanCommandFunc(cmd *cobra.Command, args []string) {
	conf := loadConfig()
	env, engine := newEnv(conf, scaleFromFlags())
	defer engine.Close()
	if err := env.UpdatePartitioning(); err != nil {
		log.Fatal(err)
	}
	printPlan(os.Stdout, env)
}

func initScaleFlags(m *cobra.Command) {
	m.Flags().IntVar(&branches, "branches", 10, "Number of TPC-B branches")
	m.Flags().IntVar(&accountsPerBranch, "accounts-per-branch", tpcb.DefaultAccountsPerBranch, "Accounts of every branch")
	m.Flags().Float64Var(&skew, "skew", 0, "Zipfian skew of branch and account choice, 0 for uniform")
	m.Flags().IntVar(&localPercent, "local", 85, "Percentage of account updates on the teller's own branch")
}

func newRunCommand() *cobra.Command {
	m := &cobra.Command{
		Use:   "run",
		Short: "Load TPC-B and run clients against the DORA engine",
		Run:   runBenchCommandFunc,
	}
	initScaleFlags(m)
	m.Flags().Int64Var(&initBalance, "balance", 100000000, "Initial balance of every row")
	m.Flags().StringVar(&mixArg, "mix", "acct_update=100", "Transaction mix as name=weight pairs")
	m.Flags().BoolVar(&skipLoad, "skip-load", false, "Reuse the rows of a persistent engine")
	m.Flags().IntVar(&threads, "threads", 8, "Number of client goroutines")
	m.Flags().IntVar(&target, "target", 0, "Attempt to submit n transactions per second (default: unlimited)")
	m.Flags().DurationVar(&duration, "duration", 10*time.Second, "How long to run")
	m.Flags().StringVar(&statusAddr, "status-addr", "", "Serve prometheus metrics and pprof on this address")
	return m
}

func newPlanCommand() *cobra.Command {
	m := &cobra.Command{
		Use:   "plan",
		Short: "Print the partitioning and CPU binding of the TPC-B tables",
		Run:   runPlanCommandFunc,
	}
	initScaleFlags(m)
	return m
}

func main() {
	rootCmd := &cobra.Command{
		Use:   "dora-bench",
		Short: "TPC-B on the DORA engine",
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file path")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "overrides the log level of the config")
	rootCmd.AddCommand(
		newRunCommand(),
		newPlanCommand(),
	)
	cobra.EnablePrefixMatching = true

	log.Info("gitHash:", gitHash)
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(rootCmd.UsageString())
		os.Exit(1)
	}
}
