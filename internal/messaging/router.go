// Package messaging implements the Message Router: delivery of outbox
// files to recipient inboxes, per spec.md §4.3.
package messaging

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/mindswarm/subspace/internal/logging"
	"github.com/mindswarm/subspace/internal/workspace"
	"github.com/mindswarm/subspace/pkg/types"
)

// maxDeliveryAttempts bounds the retry-with-backoff loop before a
// message is moved to outbox/sent/failed and a delivery_failed message
// is emitted back to the sender.
const maxDeliveryAttempts = 5

// RecipientExists reports whether name is a cyber the router can
// deliver to (backed by the grid's cyber directory in production).
type RecipientExists func(name string) bool

// Router scans every cyber's outbox/ and delivers to matching inbox/
// directories via temp-file-then-rename.
type Router struct {
	root    *workspace.Root
	exists  RecipientExists
	log     *logging.Logger
}

// NewRouter returns a Router rooted at root, using exists to check
// recipient validity.
func NewRouter(root *workspace.Root, exists RecipientExists) *Router {
	return &Router{root: root, exists: exists, log: logging.New("messaging.router")}
}

// RouteOnce scans sender's outbox and attempts delivery of every
// message file found, in the order they were written (oldest mtime
// first), matching the per-(sender,recipient) ordering guarantee of
// spec.md §4.3.
func (r *Router) RouteOnce(senderName string) error {
	sender := r.root.CyberRoot(senderName)
	entries, err := os.ReadDir(sender.Outbox())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("messaging: read outbox %s: %w", sender.Outbox(), err)
	}

	files := make([]os.DirEntry, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			files = append(files, e)
		}
	}
	sort.SliceStable(files, func(i, j int) bool {
		ii, _ := files[i].Info()
		jj, _ := files[j].Info()
		if ii == nil || jj == nil {
			return files[i].Name() < files[j].Name()
		}
		return ii.ModTime().Before(jj.ModTime())
	})

	for _, f := range files {
		path := filepath.Join(sender.Outbox(), f.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var msg types.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			r.log.Error(err, "malformed outbox message, leaving in place")
			continue
		}

		if msg.To == "broadcast" {
			if err := r.expandBroadcast(senderName, &msg, f.Name()); err != nil {
				r.log.Error(err, "broadcast expansion failed")
			}
			os.Remove(path)
			continue
		}

		if err := r.deliverWithRetry(senderName, &msg, path, f.Name(), data); err != nil {
			r.log.Error(err, "delivery failed terminally")
		}
	}
	return nil
}

func (r *Router) expandBroadcast(senderName string, msg *types.Message, filename string) error {
	recipients := r.knownRecipients()
	for _, name := range recipients {
		if name == senderName {
			continue
		}
		copy := *msg
		copy.To = name
		data, err := json.Marshal(copy)
		if err != nil {
			return err
		}
		rec := r.root.CyberRoot(name)
		dest := filepath.Join(rec.Inbox(), name+"-"+filename)
		if err := atomicWriteNew(dest, data); err != nil {
			r.log.Error(err, fmt.Sprintf("broadcast delivery to %s failed", name))
		}
	}
	return nil
}

// knownRecipients lists every cyber with a workspace directory under
// root, the only directory of cybers available without a dedicated
// grid registry.
func (r *Router) knownRecipients() []string {
	names, err := r.root.ListCyberNames()
	if err != nil {
		r.log.Error(err, "list cybers for broadcast expansion")
		return nil
	}
	return names
}

func (r *Router) deliverWithRetry(senderName string, msg *types.Message, srcPath, filename string, data []byte) error {
	if !r.exists(msg.To) {
		failedDir := r.root.CyberRoot(senderName).OutboxSentFailed()
		os.MkdirAll(failedDir, 0o755)
		os.Rename(srcPath, filepath.Join(failedDir, filename))
		return r.sendDeliveryFailed(senderName, msg, "recipient does not exist")
	}

	recipient := r.root.CyberRoot(msg.To)
	dest := filepath.Join(recipient.Inbox(), filename)

	var lastErr error
	for attempt := 0; attempt < maxDeliveryAttempts; attempt++ {
		if attempt > 0 {
			time.Sleep(backoff(attempt))
		}
		if err := atomicMove(srcPath, dest); err != nil {
			lastErr = err
			continue
		}
		return nil
	}

	failedDir := r.root.CyberRoot(senderName).OutboxSentFailed()
	os.MkdirAll(failedDir, 0o755)
	os.Rename(srcPath, filepath.Join(failedDir, filename))
	return r.sendDeliveryFailedWithErr(senderName, msg, lastErr)
}

func backoff(attempt int) time.Duration {
	d := time.Duration(1<<uint(attempt)) * 50 * time.Millisecond
	if d > 2*time.Second {
		d = 2 * time.Second
	}
	return d
}

// atomicMove delivers src into dest's directory using
// temp-file-then-rename within dest's filesystem, matching spec.md
// §5's shared-resources discipline.
func atomicMove(src, dest string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	if err := atomicWriteNew(dest, data); err != nil {
		return err
	}
	return os.Remove(src)
}

func atomicWriteNew(dest string, data []byte) error {
	dir := filepath.Dir(dest)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".msg-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), dest)
}

func (r *Router) sendDeliveryFailed(senderName string, original *types.Message, reason string) error {
	return r.sendDeliveryFailedWithErr(senderName, original, fmt.Errorf("%s", reason))
}

func (r *Router) sendDeliveryFailedWithErr(senderName string, original *types.Message, cause error) error {
	notice := types.Message{
		Type:      types.MessageResponse,
		From:      "message-router",
		To:        senderName,
		Subject:   "delivery_failed",
		Timestamp: time.Now(),
		InReplyTo: fmt.Sprintf("%s->%s", original.From, original.To),
		Metadata: map[string]any{
			"original_to": original.To,
			"error":       causeString(cause),
		},
		Body: fmt.Sprintf("delivery to %q failed: %v", original.To, cause),
	}
	data, err := json.Marshal(notice)
	if err != nil {
		return err
	}
	sender := r.root.CyberRoot(senderName)
	dest := filepath.Join(sender.Inbox(), fmt.Sprintf("delivery-failed-%d.msg.json", time.Now().UnixNano()))
	return atomicWriteNew(dest, data)
}

func causeString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
