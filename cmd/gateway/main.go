// Command gateway runs one gateway enclave process: it loads its
// config, waits on the registration gate, then drives the epoch task,
// subscription scheduler, and cross-chain coordinator until signalled
// to stop. Bootstrap shape (urfave/cli App + a single run action
// wiring a golang.org/x/sync/errgroup of long-running loops) follows
// go-ethereum's cmd/geth convention.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/marlinprotocol/serverless-gateway/internal/chainclient"
	"github.com/marlinprotocol/serverless-gateway/internal/config"
	"github.com/marlinprotocol/serverless-gateway/internal/confirm"
	"github.com/marlinprotocol/serverless-gateway/internal/coordinator"
	"github.com/marlinprotocol/serverless-gateway/internal/egress"
	"github.com/marlinprotocol/serverless-gateway/internal/elector"
	"github.com/marlinprotocol/serverless-gateway/internal/epoch"
	"github.com/marlinprotocol/serverless-gateway/internal/ingress"
	"github.com/marlinprotocol/serverless-gateway/internal/jobtracker"
	"github.com/marlinprotocol/serverless-gateway/internal/metrics"
	"github.com/marlinprotocol/serverless-gateway/internal/registration"
	"github.com/marlinprotocol/serverless-gateway/internal/registrysource"
	"github.com/marlinprotocol/serverless-gateway/internal/signer"
	"github.com/marlinprotocol/serverless-gateway/internal/subscription"
)

func main() {
	app := &cli.App{
		Name:  "gateway",
		Usage: "Marlin serverless gateway enclave coordinator",
		Flags: []cli.Flag{configFlag, logLevelFlag, metricsAddrFlag},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "gateway:", err)
		os.Exit(1)
	}
}

func run(cctx *cli.Context) error {
	cfg, err := config.Load(cctx.String(configFlag.Name))
	if err != nil {
		return err
	}
	if lvl := cctx.String(logLevelFlag.Name); lvl != "" {
		cfg.LogLevel = lvl
	}
	if addr := cctx.String(metricsAddrFlag.Name); addr != "" {
		cfg.MetricsListenAddr = addr
	}

	zlog, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("gateway: building logger: %w", err)
	}
	defer zlog.Sync()

	keyBytes, err := os.ReadFile(cfg.EnclaveKeyPath)
	if err != nil {
		return fmt.Errorf("gateway: reading enclave key: %w", err)
	}
	key, err := crypto.ToECDSA(common.FromHex(string(keyBytes)))
	if err != nil {
		return fmt.Errorf("gateway: parsing enclave key: %w", err)
	}
	s := signer.New(key)
	zlog.Info("enclave signing address derived", zap.String("address", s.Address().Hex()))

	minStake, err := cfg.MinGatewayStakeInt()
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	commonEth, err := ethclient.DialContext(ctx, cfg.CommonChain.RPCURL)
	if err != nil {
		return fmt.Errorf("gateway: dialing common chain: %w", err)
	}
	commonSendTx := newSendTx(commonEth, key, cfg.CommonChain.ChainID)
	commonClient, err := chainclient.NewRPCClient(ctx, cfg.CommonChain.RPCURL, s.Address(), commonSendTx)
	if err != nil {
		return err
	}

	requestClients := map[uint64]chainclient.Client{}
	relayContracts := map[uint64]common.Address{}
	relaySubContracts := map[uint64]common.Address{}
	registrationChains := []registration.Chain{
		{Name: cfg.CommonChain.Name, ChainID: cfg.CommonChain.ChainID, Client: commonClient, RegistryAddress: common.HexToAddress(cfg.CommonChain.RegistryAddress), IsCommonChain: true},
	}
	for _, rc := range cfg.RequestChains {
		reqEth, err := ethclient.DialContext(ctx, rc.RPCURL)
		if err != nil {
			return fmt.Errorf("gateway: dialing %s: %w", rc.Name, err)
		}
		sendTx := newSendTx(reqEth, key, rc.ChainID)
		client, err := chainclient.NewRPCClient(ctx, rc.RPCURL, s.Address(), sendTx)
		if err != nil {
			return err
		}
		requestClients[rc.ChainID] = client
		relayContracts[rc.ChainID] = common.HexToAddress(rc.RelayAddress)
		relaySubContracts[rc.ChainID] = common.HexToAddress(rc.RelaySubsAddress)
		registrationChains = append(registrationChains, registration.Chain{
			Name: rc.Name, ChainID: rc.ChainID, Client: client, RegistryAddress: common.HexToAddress(rc.RegistryAddress),
		})
	}

	gate := registration.New(s.Address(), cfg.OwnerAddr(), registrationChains)
	zlog.Info("awaiting registration on every configured chain")
	if err := gate.Await(ctx); err != nil {
		return fmt.Errorf("gateway: registration gate: %w", err)
	}
	zlog.Info("registration confirmed, starting coordinator")

	reg := prometheus.NewRegistry()
	coordMetrics := metrics.NewCoordinator(reg)
	if cfg.MetricsListenAddr != "" {
		go serveMetrics(cfg.MetricsListenAddr, reg)
	}

	epochState := epoch.New()
	tracker := jobtracker.New()
	el := elector.New(epochState, minStake)

	egressAdapter := egress.New(commonClient, requestClients, egress.Contracts{
		CommonChain:     common.HexToAddress(cfg.CommonChain.JobsAddress),
		RequestRelay:    relayContracts,
		RequestRelaySub: relaySubContracts,
	}, 500_000)

	coord := coordinator.New(s.Address(), epochState, el, tracker, egressAdapter, s, zlog, coordMetrics, cfg.EpochGenesis, cfg.EpochIntervalS)
	sched := subscription.New(coord, nil)

	commonFinder := confirm.NewBlockFinder(commonClient)
	source := registrysource.New(commonClient, common.HexToAddress(cfg.CommonChain.RegistryAddress))
	head, err := commonClient.BlockNumber(ctx)
	if err != nil {
		return fmt.Errorf("gateway: reading common chain head: %w", err)
	}
	epochTask := epoch.NewTask(epochState, source, commonFinder, coord, cfg.EpochGenesis, cfg.EpochIntervalS, head)

	commonSource := ingress.NewCommon(commonClient, common.HexToAddress(cfg.CommonChain.JobsAddress))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return epochTask.Run(gctx) })
	g.Go(func() error { return sched.Run(gctx) })
	g.Go(func() error { return commonSource.Run(gctx, head, coord) })
	for _, rc := range cfg.RequestChains {
		rc := rc
		client := requestClients[rc.ChainID]
		startBlock, err := client.BlockNumber(ctx)
		if err != nil {
			return fmt.Errorf("gateway: reading %s head: %w", rc.Name, err)
		}
		src := ingress.New(client, common.HexToAddress(rc.RelayAddress), rc.ChainID)
		g.Go(func() error { return src.Run(gctx, startBlock, coord, sched) })
	}

	if err := g.Wait(); err != nil && gctx.Err() == nil {
		return err
	}
	return nil
}

func serveMetrics(addr string, reg *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.New("component", "metrics").Error("metrics server stopped", "err", err)
	}
}
