package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"serial-ingest/internal/channel"
	"serial-ingest/internal/clock"
	"serial-ingest/internal/config"
	"serial-ingest/internal/logger"
	"serial-ingest/internal/metrics"
	"serial-ingest/internal/parser"
	"serial-ingest/internal/worker"

	"github.com/rs/zerolog/log"
)

// 종료 코드
const (
	exitOK          = 0
	exitFailure     = 1 // 설정 오류, 출력 I/O 실패, transport 상실
	exitChannelOpen = 2 // 채널 없음 / 채널 열기 실패
)

// deps 는 run 이 바깥 세계와 닿는 지점이다. 테스트에서 교체한다.
type deps struct {
	discoverer channel.Discoverer
	open       func(id string, baud int, clk clock.Clock) (channel.Source, error)
	stdout     io.Writer
	stderr     io.Writer
}

func defaultDeps() deps {
	return deps{
		discoverer: channel.SerialDiscoverer{},
		open: func(id string, baud int, clk clock.Clock) (channel.Source, error) {
			r, err := channel.Open(id, baud, clk)
			if err != nil {
				return nil, err
			}
			return r, nil
		},
		stdout: os.Stdout,
		stderr: os.Stderr,
	}
}

func main() {
	os.Exit(run(os.Args[1:], defaultDeps()))
}

func run(args []string, d deps) int {

	// ====================================================================
	// Config & Logger
	// ====================================================================
	//
	// 플래그 > 환경변수 > 기본값. 전략(token/positional)에 따라
	// baud 와 회전 주기 기본값이 달라진다.
	// ====================================================================
	cfg, err := config.Load(args)
	if errors.Is(err, config.ErrHelp) {
		fmt.Fprint(d.stderr, config.Usage())
		return exitOK
	}
	if err != nil {
		fmt.Fprintf(d.stderr, "config: %v\nrun with --help for usage\n", err)
		return exitFailure
	}
	logger.Init(cfg)

	m := metrics.New()
	clk := clock.Real()

	if cfg.ListPorts {
		cands, err := d.discoverer.Candidates()
		if err != nil {
			fmt.Fprintf(d.stderr, "list ports: %v\n", err)
			return exitFailure
		}
		fmt.Fprintln(d.stdout, channel.FormatCandidates(cands))
		return exitOK
	}

	// ====================================================================
	// 채널 선택 & 열기
	// ====================================================================
	//
	// 포트가 지정되지 않았으면 감지된 후보 중 첫 번째(ACM > USB > 이름순)를 쓴다.
	// 후보가 없거나 열기에 실패하면 재시도하지 않고 후보 목록을 찍은 뒤 종료한다.
	// ====================================================================
	portID, cands, err := channel.Select(cfg.Port, d.discoverer)
	if err != nil {
		fmt.Fprintf(d.stderr, "%v\n%s\n", err, channel.FormatCandidates(cands))
		return exitChannelOpen
	}
	if cfg.Port == "" {
		log.Info().Str("port", portID).Msg("auto-selected port")
	}

	src, err := d.open(portID, cfg.Baud, clk)
	if err != nil {
		fmt.Fprintf(d.stderr, "Could not open serial port %s: %v\n%s\n", portID, err, channel.FormatCandidates(cands))
		return exitChannelOpen
	}

	p, err := parser.New(cfg.Strategy, cfg.Marker)
	if err != nil {
		_ = src.Close()
		log.Error().Err(err).Msg("parser")
		return exitFailure
	}

	// SIGINT(Ctrl+C) / SIGTERM → ctx 취소 → 루프가 다음 반복에서 정리 후 종료
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ====================================================================
	// 회전 후처리 (선택)
	// ====================================================================
	//
	// --meta / --compress / --s3-bucket 중 하나라도 켜져 있을 때만 동작한다.
	// 수집 루프와는 별도 goroutine 이며, 닫힌 파일 요약만 전달받는다.
	// ====================================================================
	var archiver *worker.Archiver
	if cfg.ArchiveEnabled() {
		var uploader *worker.S3Uploader
		if cfg.S3Bucket != "" {
			uploader, err = worker.NewS3Uploader(ctx, cfg, m)
			if err != nil {
				_ = src.Close()
				log.Error().Err(err).Msg("s3 uploader")
				return exitFailure
			}
		}
		archiver = worker.NewArchiver(worker.ArchiveOptions{
			WriteMeta: cfg.WriteMeta,
			Compress:  cfg.Compress,
			S3Prefix:  cfg.S3Prefix,
			Metrics:   m,
			Logger:    log.Logger.With().Str("component", "archiver").Logger(),
		}, uploader)
		archiver.Start()
	}

	// ====================================================================
	// Session: 첫 출력 파일 열기
	// ====================================================================
	sinkOpts := worker.SinkOptions{
		Dir:     cfg.OutputDir,
		Period:  cfg.Period(),
		Parser:  p,
		Clock:   clk,
		Metrics: m,
		Logger:  log.Logger,
	}
	if archiver != nil {
		sinkOpts.OnClose = archiver.Submit
	}
	sink, err := worker.NewRotatingSink(sinkOpts)
	if err != nil {
		_ = src.Close()
		if archiver != nil {
			archiver.Shutdown(cfg.ArchiveDrain)
		}
		log.Error().Err(err).Msg("open output")
		return exitFailure
	}

	var echo io.Writer
	if cfg.Show {
		echo = d.stdout
	}

	in := worker.NewIngestor(src, p, sink, worker.IngestorOptions{
		ReadTimeout:   cfg.ReadTimeout,
		MaxReadErrors: cfg.MaxReadErrors,
		Echo:          echo,
		Clock:         clk,
		Metrics:       m,
		Logger:        log.Logger,
	})

	log.Info().
		Str("port", portID).
		Int("baud", cfg.Baud).
		Str("strategy", p.Name()).
		Str("dir", cfg.OutputDir).
		Dur("rotate_every", cfg.Period()).
		Msg("listening, press Ctrl+C to stop")

	runErr := in.Run(ctx)

	// ====================================================================
	// 종료: 출력 파일은 Run 안에서 이미 닫혔다. 남은 후처리만 기다린다.
	// ====================================================================
	if archiver != nil {
		archiver.Shutdown(cfg.ArchiveDrain)
	}
	log.Info().Fields(m.Fields()).Msg("shutdown complete")

	if runErr != nil {
		log.Error().Err(runErr).Msg("ingest stopped with error")
		return exitFailure
	}
	return exitOK
}
