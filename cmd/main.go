// Command syncore runs a standalone replica: listen for an inbound peer,
// dial an existing one, or (with no flags at all) run a self-contained
// two-replica demo in a single process over an in-process link.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/knirvcorp/syncore/internal/crdt"
	"github.com/knirvcorp/syncore/internal/logging"
	"github.com/knirvcorp/syncore/internal/metrics"
	"github.com/knirvcorp/syncore/pkg/syncore"
)

func main() {
	peerID := flag.String("peer", "", "this replica's peer id (required for --listen/--dial)")
	listenAddr := flag.String("listen", "", "listen for inbound peers on this address")
	dialAddr := flag.String("dial", "", "dial an existing replica at this address")
	docID := flag.String("doc", "demo", "document id to open")
	flag.Parse()

	if *listenAddr == "" && *dialAddr == "" {
		runLocalDemo()
		return
	}
	runNode(*peerID, *listenAddr, *dialAddr, *docID)
}

// runLocalDemo wires two replicas together with an in-process link and
// shows a document and its presence converging between them without any
// network at all.
func runLocalDemo() {
	a, err := syncore.New(syncore.Options{PeerID: "alice"})
	if err != nil {
		log.Fatalf("syncore.New(alice): %v", err)
	}
	b, err := syncore.New(syncore.Options{PeerID: "bob"})
	if err != nil {
		log.Fatalf("syncore.New(bob): %v", err)
	}
	if err := syncore.LinkInProcess(a, b); err != nil {
		log.Fatalf("LinkInProcess: %v", err)
	}

	doc := a.Get("demo")
	text := doc.Engine().(*crdt.TextEngine)
	for i, r := range "hello" {
		text.InsertAt(i, r)
	}

	handle := syncore.Sync(doc)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := handle.WaitForSync(ctx, syncore.WaitOpts{}); err != nil {
		log.Fatalf("WaitForSync: %v", err)
	}

	handle.Presence().SetSelf("cursor", []byte("5"))

	bDoc := b.Get("demo")
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if bDoc.Engine().(*crdt.TextEngine).Text() == "hello" {
			break
		}
		time.Sleep(time.Millisecond)
	}

	fmt.Printf("alice wrote: %q\n", text.Text())
	fmt.Printf("bob sees:    %q\n", bDoc.Engine().(*crdt.TextEngine).Text())
	if cursor, ok := syncore.Sync(bDoc).Presence().Get("cursor", "alice"); ok {
		fmt.Printf("bob sees alice's cursor: %s\n", cursor)
	}
}

// runNode runs a single replica as a long-lived process, either
// accepting inbound peers (--listen) or dialing one (--dial), reading
// lines from stdin and appending each (plus a newline) to the document,
// one CRDT insert per rune.
func runNode(peerID, listenAddr, dialAddr, docID string) {
	if peerID == "" {
		log.Fatal("--peer is required with --listen/--dial")
	}

	logger, err := logging.NewLogger("info", "console")
	if err != nil {
		log.Fatalf("logging.NewLogger: %v", err)
	}

	rep, err := syncore.New(syncore.Options{
		PeerID:  peerID,
		Metrics: metrics.New(),
		Log:     logger.Logger,
	})
	if err != nil {
		log.Fatalf("syncore.New: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if listenAddr != "" {
		bound, err := rep.ListenTCP(ctx, listenAddr)
		if err != nil {
			log.Fatalf("ListenTCP: %v", err)
		}
		logger.Info("listening", zap.String("addr", bound))
	}
	if dialAddr != "" {
		if err := rep.DialTCP(ctx, dialAddr); err != nil {
			log.Fatalf("DialTCP: %v", err)
		}
		logger.Info("dialed peer", zap.String("addr", dialAddr))
	}

	rep.StartHeartbeat(ctx)
	defer rep.StopHeartbeat()

	doc := rep.Get(docID)
	text := doc.Engine().(*crdt.TextEngine)

	fmt.Printf("ready on doc %q, type lines to append, Ctrl-D to end input, Ctrl-C to exit\n", docID)
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := scanner.Text()
		pos := len([]rune(text.Text()))
		for i, r := range line + "\n" {
			text.InsertAt(pos+i, r)
		}
		fmt.Printf("doc now: %q\n", text.Text())
	}

	<-ctx.Done()
}
