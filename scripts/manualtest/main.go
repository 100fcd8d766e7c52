// Command manualtest runs a server and an uploader in one process, uploads a
// generated file, interrupts it halfway, resumes, downloads the result and
// compares digests.
package main

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	units "github.com/docker/go-units"

	"github.com/redsanjin-1/bigfile/internal/chunkstore"
	"github.com/redsanjin-1/bigfile/internal/common"
	"github.com/redsanjin-1/bigfile/internal/identity"
	"github.com/redsanjin-1/bigfile/internal/resume"
	"github.com/redsanjin-1/bigfile/internal/transfer"
	"github.com/redsanjin-1/bigfile/internal/uploader"
	"github.com/redsanjin-1/bigfile/pkg/httpserver"
	"github.com/redsanjin-1/bigfile/pkg/logging"
)

func sha256File(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func main() {
	sizeFlag := flag.String("size", "48MB", "size of the generated sample")
	chunkFlag := flag.String("chunk", "4MB", "chunk size")
	debug := flag.Bool("debug", false, "debug logging")
	flag.Parse()

	logging.InitLogger(*debug)
	if err := run(*sizeFlag, *chunkFlag); err != nil {
		fmt.Printf("❌ %v\n", err)
		os.Exit(1)
	}
	fmt.Println("🎉 Round trip OK")
}

func run(sizeRaw, chunkRaw string) error {
	size, err := units.RAMInBytes(sizeRaw)
	if err != nil {
		return err
	}
	chunkSize, err := units.RAMInBytes(chunkRaw)
	if err != nil {
		return err
	}

	root, err := os.MkdirTemp("", "bigfile-manualtest-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(root)

	inputPath := filepath.Join(root, "sample.bin")
	if err := writeRandom(inputPath, size); err != nil {
		return err
	}
	origHash, err := sha256File(inputPath)
	if err != nil {
		return err
	}
	fmt.Printf("📄 Sample %s (%s) sha256=%s\n", inputPath, units.HumanSize(float64(size)), origHash[:16])

	store, err := chunkstore.New(chunkstore.Options{
		PublicDir:        filepath.Join(root, "public"),
		TempDir:          filepath.Join(root, "temp"),
		ChunkSize:        chunkSize,
		MergeConcurrency: 4,
		Logger:           logging.Component("chunkstore"),
	})
	if err != nil {
		return err
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return err
	}
	serverCtx, stopServer := context.WithCancel(context.Background())
	defer stopServer()
	log := logging.Component("server")
	go func() {
		if err := httpserver.New(ln.Addr().String(), transfer.NewServer(store, log).Handler(), log).Serve(serverCtx, ln); err != nil {
			log.WithError(err).Error("Server stopped")
		}
	}()

	sessions, err := resume.Open("badger", filepath.Join(root, "sessions"))
	if err != nil {
		return err
	}
	defer sessions.Close()

	client := transfer.NewClient(transfer.ClientOptions{BaseURL: "http://" + ln.Addr().String()})

	var progressEvents int64
	up, err := uploader.New(client, sessions, uploader.Options{
		ChunkSize:     chunkSize,
		MaxConcurrent: 3,
		MaxRetries:    2,
		Digest:        identity.SHA256,
		OnEvent: func(e uploader.Event) {
			if e.Type == uploader.EventProgress {
				atomic.AddInt64(&progressEvents, 1)
			}
		},
	})
	if err != nil {
		return err
	}
	defer up.Close()

	sess, err := up.Prepare(context.Background(), inputPath)
	if err != nil {
		return err
	}
	fmt.Printf("🔑 Identity %s, %d chunks\n", sess.Identity, len(sess.Chunks))

	// Interrupt the first attempt shortly after it starts.
	ctx, cancel := context.WithCancel(context.Background())
	timer := time.AfterFunc(150*time.Millisecond, cancel)
	err = up.Upload(ctx, sess.Identity)
	timer.Stop()
	cancel()
	switch {
	case err == nil:
		fmt.Println("⚡ Finished before the interruption, sample too small to exercise resume")
	case common.IsCancelled(err):
		paused, err := sessions.Get(context.Background(), sess.Identity)
		if err != nil {
			return err
		}
		fmt.Printf("⏸️  Interrupted, session is %s\n", paused.Status)
		if err := up.Resume(context.Background(), sess.Identity); err != nil {
			return fmt.Errorf("resume: %w", err)
		}
	default:
		return err
	}
	fmt.Printf("📤 Uploaded with %d progress events\n", atomic.LoadInt64(&progressEvents))

	fetched := filepath.Join(root, "fetched.bin")
	if err := client.Fetch(context.Background(), sess.Identity, fetched); err != nil {
		return err
	}
	fetchedHash, err := sha256File(fetched)
	if err != nil {
		return err
	}
	if fetchedHash != origHash {
		return fmt.Errorf("digest mismatch: %s != %s", fetchedHash, origHash)
	}
	fmt.Println("✅ Fetched file matches the original")

	// A second upload of the same content is deduplicated.
	again, err := up.Prepare(context.Background(), inputPath)
	if err != nil {
		return err
	}
	if err := up.Upload(context.Background(), again.Identity); err != nil {
		return fmt.Errorf("dedup upload: %w", err)
	}
	fmt.Println("✅ Second upload deduplicated")
	return nil
}

func writeRandom(path string, size int64) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := io.CopyN(f, rand.Reader, size); err != nil {
		return err
	}
	return f.Sync()
}
