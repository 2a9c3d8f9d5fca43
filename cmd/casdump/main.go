package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/dustin/go-humanize"
	"github.com/flokli/casdump/internal/client"
	"github.com/flokli/casdump/pkg/config"
	"github.com/flokli/casdump/pkg/hashing"
	"github.com/flokli/casdump/pkg/server"
	"github.com/flokli/casdump/pkg/store/blobstore"
	"github.com/flokli/casdump/pkg/store/indexstore"
	"github.com/google/renameio"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

var CLI struct {
	Config    kong.ConfigFlag `help:"Path to a YAML config file."`
	LogLevel  string          `name:"log-level" help:"Log level." enum:"trace,debug,info,warn,error" default:"info" env:"CASDUMP_LOG_LEVEL"`
	LogFormat string          `name:"log-format" help:"Log format." enum:"text,json" default:"text" env:"CASDUMP_LOG_FORMAT"`

	Serve struct {
		DataDir     string          `name:"data-dir" help:"Directory containing blobs, uploads in progress and the index." type:"path" default:"/var/lib/casdump" env:"CASDUMP_DATA_DIR"`
		ListenAddr  string          `name:"listen-addr" help:"The address this service listens on." default:"[::]:9000" env:"CASDUMP_LISTEN_ADDR"`
		Layout      string          `name:"layout" help:"Address blobs by digest only (flat), or by digest and name (named)." enum:"flat,named" default:"flat" env:"CASDUMP_LAYOUT"`
		MaxSize     config.ByteSize `name:"max-size" help:"Maximum size of a single upload, 0 for unlimited." default:"500MB" env:"CASDUMP_MAX_SIZE"`
		ChunkSize   config.ByteSize `name:"chunk-size" help:"Size of the chunks request bodies are read in." default:"64KiB" env:"CASDUMP_CHUNK_SIZE"`
		Index       string          `name:"index" help:"Where to keep the index of committed blobs." enum:"memory,file,sqlite" default:"file" env:"CASDUMP_INDEX"`
		VerifyReads bool            `name:"verify-reads" help:"Check blobs against their digest while serving them." env:"CASDUMP_VERIFY_READS"`

		ReadHeaderTimeout time.Duration `name:"read-header-timeout" help:"Time allowed to read request headers." default:"10s" env:"CASDUMP_READ_HEADER_TIMEOUT"`
		ReadTimeout       time.Duration `name:"read-timeout" help:"Time allowed to read a whole request, including the body." default:"10m" env:"CASDUMP_READ_TIMEOUT"`
		WriteTimeout      time.Duration `name:"write-timeout" help:"Time allowed to handle a request and write the response." default:"10m" env:"CASDUMP_WRITE_TIMEOUT"`
		IdleTimeout       time.Duration `name:"idle-timeout" help:"Time keep-alive connections are kept open." default:"150s" env:"CASDUMP_IDLE_TIMEOUT"`
		ShutdownTimeout   time.Duration `name:"shutdown-timeout" help:"Time in-flight requests get to finish on shutdown." default:"30s" env:"CASDUMP_SHUTDOWN_TIMEOUT"`
	} `cmd:"" help:"Serve a content-addressed dump store."`

	Push struct {
		URL         string   `name:"url" help:"URL of the casdump server." default:"http://localhost:9000" env:"CASDUMP_URL"`
		Name        string   `name:"name" help:"Name to upload the file as, required by servers using the named layout."`
		Compression string   `name:"compression" help:"Compress the upload on the fly." enum:"none,br,gzip,zstd" default:"none"`
		File        *os.File `arg:"" help:"File to upload, - for stdin."`
	} `cmd:"" help:"Upload a file to a casdump server."`

	Get struct {
		URL    string `name:"url" help:"URL of the casdump server." default:"http://localhost:9000" env:"CASDUMP_URL"`
		Output string `name:"output" short:"o" help:"Write the blob to this file instead of stdout." type:"path"`
		Digest string `arg:"" help:"Digest of the blob."`
		Name   string `arg:"" optional:"" help:"Name of the blob, for servers using the named layout."`
	} `cmd:"" help:"Download a blob from a casdump server, and check its digest."`
}

func main() {
	ctx := kong.Parse(&CLI,
		kong.Name("casdump"),
		kong.Description("A content-addressed blob store."),
		kong.UsageOnError(),
		kong.Configuration(config.YAML, "/etc/casdump/config.yaml", "~/.config/casdump/config.yaml"),
	)

	err := config.SetupLogging(CLI.LogLevel, CLI.LogFormat)
	if err != nil {
		log.Fatal(err)
	}

	switch ctx.Selected().Name {
	case "serve":
		err = serve()
	case "push":
		err = push()
	case "get":
		err = get()
	default:
		panic(ctx.Command())
	}
	if err != nil {
		log.Fatal(err)
	}
}

func newIndexStore(ctx context.Context, kind, dataDir string) (indexstore.IndexStore, error) {
	switch kind {
	case "memory":
		return indexstore.NewMemoryStore(), nil
	case "file":
		return indexstore.NewFileStore(filepath.Join(dataDir, "index"))
	case "sqlite":
		return indexstore.NewDatabaseStore(ctx, "file:"+filepath.Join(dataDir, "index.db"))
	}
	return nil, fmt.Errorf("unknown index: %v", kind)
}

func serve() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	layout, err := blobstore.ParseLayout(CLI.Serve.Layout)
	if err != nil {
		return err
	}
	if CLI.Serve.ChunkSize == 0 {
		return fmt.Errorf("chunk size must not be 0")
	}

	blobStore, err := blobstore.NewFileStore(CLI.Serve.DataDir, blobstore.FileStoreOptions{
		Layout:      layout,
		MaxSize:     uint64(CLI.Serve.MaxSize),
		VerifyReads: CLI.Serve.VerifyReads,
	})
	if err != nil {
		return err
	}

	indexStore, err := newIndexStore(ctx, CLI.Serve.Index, CLI.Serve.DataDir)
	if err != nil {
		blobStore.Close()
		return err
	}

	s := server.NewServer(blobStore, indexStore, int(CLI.Serve.ChunkSize))
	defer func() {
		if err := s.Close(); err != nil {
			log.WithError(err).Error("Unable to close stores")
		}
	}()

	srv := &http.Server{
		Addr:              CLI.Serve.ListenAddr,
		Handler:           s.Handler,
		ReadHeaderTimeout: CLI.Serve.ReadHeaderTimeout,
		ReadTimeout:       CLI.Serve.ReadTimeout,
		WriteTimeout:      CLI.Serve.WriteTimeout,
		IdleTimeout:       CLI.Serve.IdleTimeout,
	}

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.WithFields(log.Fields{
			"listen_addr": CLI.Serve.ListenAddr,
			"data_dir":    CLI.Serve.DataDir,
			"layout":      layout,
			"max_size":    CLI.Serve.MaxSize,
			"index":       CLI.Serve.Index,
		}).Info("Starting server")

		err := srv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gCtx.Done()
		log.Info("Shutting down…")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), CLI.Serve.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func push() error {
	defer CLI.Push.File.Close()

	c, err := client.New(CLI.Push.URL, nil)
	if err != nil {
		return err
	}

	blob, err := c.Upload(context.Background(), CLI.Push.Name, CLI.Push.File, CLI.Push.Compression)
	if err != nil {
		return err
	}

	log.WithFields(log.Fields{
		"digest": blob.Digest,
		"size":   humanize.Bytes(blob.Size),
		"name":   blob.Name,
	}).Info("Uploaded")
	fmt.Println(blob.Digest)
	return nil
}

func get() error {
	ctx := context.Background()

	err := hashing.Validate(CLI.Get.Digest)
	if err != nil {
		return err
	}

	c, err := client.New(CLI.Get.URL, nil)
	if err != nil {
		return err
	}

	body, err := c.Get(ctx, CLI.Get.Digest, CLI.Get.Name)
	if err != nil {
		return err
	}
	rc, err := hashing.NewVerifyingReader(body, CLI.Get.Digest)
	if err != nil {
		body.Close()
		return err
	}
	defer rc.Close()

	if CLI.Get.Output == "" {
		_, err = io.Copy(os.Stdout, rc)
		return err
	}

	// Only replace the output file once the whole blob arrived and matched its digest.
	pf, err := renameio.TempFile("", CLI.Get.Output)
	if err != nil {
		return err
	}
	defer pf.Cleanup()

	_, err = io.Copy(pf, rc)
	if err != nil {
		return err
	}
	return pf.CloseAtomicallyReplace()
}
