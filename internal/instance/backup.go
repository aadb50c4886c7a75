package instance

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/beevik/etree"
	"go.uber.org/zap"
)

// ErrBackup wraps every failure to save an account file. It ends the run.
var ErrBackup = errors.New("account backup failed")

const sdcard = "/sdcard/"

func backupErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrBackup, op, err)
}

// backupName is <code>_<valid|invalid>.xml when the friend code is known,
// deviceAccount_<port>_<unix>.xml otherwise.
func (i *Instance) backupName(code string, valid bool) string {
	if code == "" {
		return fmt.Sprintf("deviceAccount_%s_%d.xml", i.port, i.clock.Now().Unix())
	}
	if valid {
		return code + "_valid.xml"
	}
	return code + "_invalid.xml"
}

// backup copies the account file off the device and removes it there, so
// the next launch starts a fresh account. saved is false when the device
// had no account file, which resets the account instead.
func (i *Instance) backup(ctx context.Context, code string, valid bool) (saved bool, err error) {
	file := i.layout.App.AccountFile
	if err := i.dev.StopApp(ctx, i.layout.App.Package); err != nil {
		return false, backupErr("stop app", err)
	}
	if err := i.actor.Pause(ctx, time.Second); err != nil {
		return false, err
	}

	out, err := i.dev.Shell(ctx, fmt.Sprintf("su -c 'ls %s'", file))
	if err != nil {
		return false, backupErr("list", err)
	}
	if strings.Contains(out, "No such file or directory") {
		i.logger.Warn("No account file on device, resetting.", zap.String("file", file))
		i.resetAccount()
		return false, nil
	}

	if err := i.su(ctx, "cp "+file+" "+sdcard); err != nil {
		return false, backupErr("copy", err)
	}
	if err := os.MkdirAll(i.cfg.BackupDir, 0o755); err != nil {
		return false, backupErr("create backup dir", err)
	}
	local := filepath.Join(i.cfg.BackupDir, i.backupName(code, valid))
	n, err := i.dev.Pull(ctx, sdcard+path.Base(file), local)
	if err != nil {
		return false, backupErr("pull", err)
	}
	if n == 0 {
		return false, backupErr("pull", errors.New("empty account file"))
	}
	entries, err := verifyAccountXML(local)
	if err != nil {
		return false, backupErr("verify", err)
	}
	if err := i.su(ctx, "rm -f "+file); err != nil {
		return false, backupErr("remove", err)
	}

	i.logger.Info("Backed up account.", zap.String("path", local), zap.Int64("bytes", n), zap.Int("entries", entries))
	i.resetAccount()
	return true, nil
}

// su runs cmd as root. Any output means the command failed.
func (i *Instance) su(ctx context.Context, cmd string) error {
	out, err := i.dev.Shell(ctx, fmt.Sprintf("su -c '%s'", cmd))
	if err != nil {
		return err
	}
	if out = strings.TrimSpace(out); out != "" {
		return errors.New(out)
	}
	return nil
}

// verifyAccountXML checks that the pulled file is a well formed preferences
// document and returns its number of entries.
func verifyAccountXML(p string) (int, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromFile(p); err != nil {
		return 0, err
	}
	root := doc.Root()
	if root == nil {
		return 0, errors.New("no root element")
	}
	return len(root.ChildElements()), nil
}
