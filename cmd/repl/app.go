package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"strconv"
	"strings"
	"sync"

	"github.com/docker/go-units"

	"github.com/ChamsBouzaiene/ragline/internal/auth"
	"github.com/ChamsBouzaiene/ragline/internal/backend"
	"github.com/ChamsBouzaiene/ragline/internal/chat"
	"github.com/ChamsBouzaiene/ragline/internal/config"
	"github.com/ChamsBouzaiene/ragline/internal/persist"
	"github.com/ChamsBouzaiene/ragline/internal/search"
	"github.com/ChamsBouzaiene/ragline/internal/store"
	"github.com/ChamsBouzaiene/ragline/internal/watch"
)

// App holds the wired components behind the REPL.
type App struct {
	cfg     *config.Config
	store   *store.Store
	session *auth.Session
	client  *backend.Client
	svc     *chat.Service
	adapter *persist.Adapter
	index   *search.Index
	watcher *watch.Watcher
	out     io.Writer

	mu        sync.Mutex
	lastJobID string
}

// Close releases every component that holds a resource.
func (a *App) Close() {
	if a.watcher != nil {
		a.watcher.Stop()
	}
	if a.index != nil {
		a.index.Close()
	}
	if a.adapter != nil {
		a.adapter.Close()
	}
}

// handleLine dispatches one REPL line. Returns false to exit.
func (a *App) handleLine(ctx context.Context, line string) bool {
	if !strings.HasPrefix(line, "/") {
		a.sendChat(ctx, line)
		return true
	}

	fields := strings.Fields(line)
	cmd, args := fields[0], fields[1:]

	switch cmd {
	case "/quit", "/exit":
		return false
	case "/help":
		a.printHelp()
	case "/login":
		a.cmdLogin(ctx, args)
	case "/register":
		a.cmdRegister(ctx, args)
	case "/logout":
		a.session.Logout()
		fmt.Fprintln(a.out, "signed out")
	case "/whoami":
		a.cmdWhoami()
	case "/new":
		id := a.store.CreateConversation()
		fmt.Fprintf(a.out, "conversation %s\n", shortID(id))
	case "/list":
		a.cmdList()
	case "/switch":
		a.cmdSwitch(args)
	case "/delete":
		a.cmdDelete(args)
	case "/cancel":
		a.cmdCancel(args)
	case "/upload":
		a.cmdUpload(ctx, args)
	case "/docs":
		a.cmdDocs(ctx)
	case "/rmdoc":
		a.cmdRemoveDoc(ctx, args)
	case "/search":
		a.cmdSearch(args)
	default:
		fmt.Fprintf(a.out, "unknown command %s\n", cmd)
	}
	return true
}

func (a *App) printHelp() {
	fmt.Fprintln(a.out, `commands:
  /login <user> <password>       sign in
  /register <user> <email> <pw>  create an account and sign in
  /logout                        sign out and purge local history
  /whoami                        show the signed-in identity
  /new                           start a conversation
  /list                          list conversations
  /switch <n>                    activate conversation n from /list
  /delete <n>                    delete conversation n from /list
  /cancel [job-id]               cancel the running request
  /upload <path>                 ingest a document
  /docs                          list ingested documents
  /rmdoc <filename>              delete an ingested document
  /search <query>                search past messages
  /quit                          exit`)
}

func (a *App) sendChat(ctx context.Context, query string) {
	res, err := a.svc.Send(ctx, query)
	if err != nil {
		fmt.Fprintf(a.out, "error: %v\n", err)
		return
	}
	a.mu.Lock()
	a.lastJobID = res.JobID
	a.mu.Unlock()

	// Index the question right away; the answer is indexed on resolution.
	a.indexMessage(res.ConversationID, res.UserMessageID)
}

// onResolved fires from the poll goroutine when a placeholder reaches a
// terminal status. It prints the outcome and feeds the search index.
func (a *App) onResolved(conversationID, messageID string) {
	a.indexMessage(conversationID, messageID)

	for _, msg := range a.store.Messages(conversationID) {
		if msg.ID != messageID {
			continue
		}
		switch msg.Status {
		case store.StatusSent:
			fmt.Fprintf(a.out, "\nassistant> %s\n", msg.Content)
		case store.StatusCancelled:
			fmt.Fprintf(a.out, "\ncancelled\n")
		default:
			fmt.Fprintf(a.out, "\nerror: %s\n", msg.Content)
		}
		return
	}
}

func (a *App) indexMessage(conversationID, messageID string) {
	conv, ok := a.store.Conversation(conversationID)
	if !ok {
		return
	}
	for _, msg := range conv.Messages {
		if msg.ID == messageID {
			if err := a.index.IndexMessage(conv.OwnerID, conv.ID, msg); err != nil {
				log.Printf("failed to index message: %v", err)
			}
			return
		}
	}
}

func (a *App) cmdLogin(ctx context.Context, args []string) {
	if len(args) != 2 {
		fmt.Fprintln(a.out, "usage: /login <user> <password>")
		return
	}
	tr, err := a.client.Login(ctx, args[0], args[1])
	if err != nil {
		fmt.Fprintf(a.out, "login failed: %v\n", err)
		return
	}
	a.session.Login(*tr)
	fmt.Fprintf(a.out, "signed in as %s\n", tr.User.Username)
}

func (a *App) cmdRegister(ctx context.Context, args []string) {
	if len(args) != 3 {
		fmt.Fprintln(a.out, "usage: /register <user> <email> <password>")
		return
	}
	tr, err := a.client.Register(ctx, args[0], args[1], args[2])
	if err != nil {
		fmt.Fprintf(a.out, "registration failed: %v\n", err)
		return
	}
	a.session.Login(*tr)
	fmt.Fprintf(a.out, "registered and signed in as %s\n", tr.User.Username)
}

func (a *App) cmdWhoami() {
	if !a.session.IsAuthenticated() {
		fmt.Fprintln(a.out, "not signed in")
		return
	}
	id := a.session.Identity()
	fmt.Fprintf(a.out, "%s (%s)", id.Username, id.ID)
	if a.session.IsTokenExpired() {
		fmt.Fprint(a.out, " [token expiring]")
	}
	fmt.Fprintln(a.out)
}

func (a *App) cmdList() {
	convs := a.store.Conversations()
	if len(convs) == 0 {
		fmt.Fprintln(a.out, "no conversations")
		return
	}
	active := a.store.ActiveConversationID()
	for i, conv := range convs {
		marker := " "
		if conv.ID == active {
			marker = "*"
		}
		fmt.Fprintf(a.out, "%s %2d. %s (%d messages)\n", marker, i+1, conv.Title, len(conv.Messages))
	}
}

// conversationByNumber resolves a 1-based /list index.
func (a *App) conversationByNumber(args []string) (store.Conversation, bool) {
	if len(args) != 1 {
		return store.Conversation{}, false
	}
	n, err := strconv.Atoi(args[0])
	if err != nil {
		return store.Conversation{}, false
	}
	convs := a.store.Conversations()
	if n < 1 || n > len(convs) {
		return store.Conversation{}, false
	}
	return convs[n-1], true
}

func (a *App) cmdSwitch(args []string) {
	conv, ok := a.conversationByNumber(args)
	if !ok {
		fmt.Fprintln(a.out, "usage: /switch <n>")
		return
	}
	a.store.SetActiveConversation(conv.ID)
	fmt.Fprintf(a.out, "switched to %q\n", conv.Title)
}

func (a *App) cmdDelete(args []string) {
	conv, ok := a.conversationByNumber(args)
	if !ok {
		fmt.Fprintln(a.out, "usage: /delete <n>")
		return
	}
	a.store.DeleteConversation(conv.ID)
	if err := a.index.DeleteConversation(conv.ID); err != nil {
		log.Printf("failed to unindex conversation: %v", err)
	}
	fmt.Fprintf(a.out, "deleted %q\n", conv.Title)
}

func (a *App) cmdCancel(args []string) {
	jobID := ""
	if len(args) > 0 {
		jobID = args[0]
	} else {
		a.mu.Lock()
		jobID = a.lastJobID
		a.mu.Unlock()
	}
	if jobID == "" {
		fmt.Fprintln(a.out, "nothing to cancel")
		return
	}
	if !a.svc.Cancel(jobID) {
		fmt.Fprintf(a.out, "no running request %s\n", jobID)
	}
}

func (a *App) cmdUpload(ctx context.Context, args []string) {
	if len(args) != 1 {
		fmt.Fprintln(a.out, "usage: /upload <path>")
		return
	}
	a.uploadFile(ctx, args[0])
}

func (a *App) uploadFile(ctx context.Context, path string) {
	opts := backend.UploadOptions{
		ChunkSize:   a.cfg.ChunkSizeBytes(),
		Concurrency: a.cfg.UploadConcurrency,
		OnProgress: func(p backend.Progress) {
			fmt.Fprintf(a.out, "\ruploading: %s / %s",
				units.BytesSize(float64(p.UploadedBytes)), units.BytesSize(float64(p.Total)))
		},
	}

	result, err := a.client.UploadFile(ctx, path, opts)
	if err != nil {
		fmt.Fprintf(a.out, "\nupload failed: %v\n", err)
		return
	}
	fmt.Fprintf(a.out, "\ningested %s: %d chunks\n", result.Filename, result.ChunksIngested)
}

// ingestDocuments handles drop-folder reports from the watcher.
func (a *App) ingestDocuments(paths []string) {
	ctx := context.Background()
	for _, path := range paths {
		log.Printf("ingesting %s from drop folder", path)
		a.uploadFile(ctx, path)
	}
}

func (a *App) cmdDocs(ctx context.Context) {
	docs, err := a.client.ListDocuments(ctx)
	if err != nil {
		fmt.Fprintf(a.out, "failed to list documents: %v\n", err)
		return
	}
	if len(docs) == 0 {
		fmt.Fprintln(a.out, "no documents")
		return
	}
	for _, d := range docs {
		fmt.Fprintf(a.out, "  %s (%s, %d chunks)\n", d.Filename, d.DocumentType, d.Chunks)
	}
}

func (a *App) cmdRemoveDoc(ctx context.Context, args []string) {
	if len(args) != 1 {
		fmt.Fprintln(a.out, "usage: /rmdoc <filename>")
		return
	}
	if err := a.client.DeleteDocument(ctx, args[0]); err != nil {
		fmt.Fprintf(a.out, "failed to delete document: %v\n", err)
		return
	}
	fmt.Fprintf(a.out, "deleted %s\n", args[0])
}

func (a *App) cmdSearch(args []string) {
	if len(args) == 0 {
		fmt.Fprintln(a.out, "usage: /search <query>")
		return
	}
	owner := a.session.UserID()
	if owner == "" {
		owner = store.AnonymousOwner
	}
	results, err := a.index.Search(owner, strings.Join(args, " "), 10)
	if err != nil {
		fmt.Fprintf(a.out, "search failed: %v\n", err)
		return
	}
	if len(results) == 0 {
		fmt.Fprintln(a.out, "no matches")
		return
	}
	for _, r := range results {
		fmt.Fprintf(a.out, "  [%s] %s: %s\n", shortID(r.ConversationID), r.Role, snippet(r.Content, 80))
	}
}

// saveChat writes the current snapshot through to the cache. Subscribed to
// every store update.
func (a *App) saveChat() {
	if err := a.adapter.SaveRecord(context.Background(), persist.ChatRecord, a.store.Snapshot()); err != nil {
		log.Printf("failed to persist chat record: %v", err)
	}
}

func (a *App) saveAuth() {
	if err := a.adapter.SaveRecord(context.Background(), persist.AuthRecord, a.session.Snapshot()); err != nil {
		log.Printf("failed to persist auth record: %v", err)
	}
}

// purgeChat drops persisted conversations and in-memory state at an identity
// boundary.
func (a *App) purgeChat() {
	if err := a.adapter.DeleteRecord(context.Background(), persist.ChatRecord); err != nil {
		log.Printf("failed to purge chat record: %v", err)
	}
	a.store.Reset()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func snippet(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "…"
}
