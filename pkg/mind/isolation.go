package mind

import (
	"fmt"
	"os"
	"os/exec"
	"os/user"
	"strconv"
	"syscall"

	"github.com/volute/volute/pkg/types"
)

// mindUser looks up the dedicated OS account for a mind. Variants share
// their base's account.
func mindUser(name string) (*user.User, error) {
	base, _ := types.SplitName(name)
	return user.Lookup("volute-" + base)
}

// applyIsolation chowns the mind's directories to its dedicated user and
// sets the child's credential so it runs as that user.
func (m *Manager) applyIsolation(name string, cmd *exec.Cmd, stateDir, dir string) error {
	u, err := mindUser(name)
	if err != nil {
		return fmt.Errorf("no dedicated user for %s: %w", name, err)
	}
	uid, err := strconv.Atoi(u.Uid)
	if err != nil {
		return err
	}
	gid, err := strconv.Atoi(u.Gid)
	if err != nil {
		return err
	}

	for _, d := range []string{stateDir, dir} {
		if err := os.Chown(d, uid, gid); err != nil {
			return fmt.Errorf("failed to chown %s: %w", d, err)
		}
	}

	cmd.SysProcAttr.Credential = &syscall.Credential{Uid: uint32(uid), Gid: uint32(gid)}
	cmd.Env = append(cmd.Env, "USER="+u.Username, "LOGNAME="+u.Username)
	return nil
}

// DecorateCommand applies the mind's user credential to an arbitrary
// command, used for schedule scripts so mind automation never runs as the
// daemon's user when isolation is on.
func (m *Manager) DecorateCommand(name string, cmd *exec.Cmd) {
	if !m.isolation {
		return
	}
	u, err := mindUser(name)
	if err != nil {
		return
	}
	uid, err1 := strconv.Atoi(u.Uid)
	gid, err2 := strconv.Atoi(u.Gid)
	if err1 != nil || err2 != nil {
		return
	}
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Credential = &syscall.Credential{Uid: uint32(uid), Gid: uint32(gid)}
}
