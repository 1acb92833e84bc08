package main

import (
	"fmt"
	"os"
	"os/user"
	"strconv"

	"golang.org/x/sys/unix"
)

// userSpec is the resolved identity dropPrivileges switches to.
type userSpec struct {
	name   string
	uid    int
	gid    int
	home   string
	groups []int
}

// dropPrivileges switches the running process to username's uid/gid,
// grounded on cmd/pulse-sensor-proxy/main.go's dropPrivileges: no-op if
// username is empty or the process is not running as root (root is
// required to be in a position to drop anything in the first place).
func dropPrivileges(username string) (*userSpec, error) {
	if username == "" {
		return nil, nil
	}
	if os.Geteuid() != 0 {
		return nil, nil
	}

	spec, err := resolveUserSpec(username)
	if err != nil {
		return nil, err
	}
	if len(spec.groups) == 0 {
		spec.groups = []int{spec.gid}
	}

	if err := unix.Setgroups(spec.groups); err != nil {
		return nil, fmt.Errorf("setgroups: %w", err)
	}
	if err := unix.Setgid(spec.gid); err != nil {
		return nil, fmt.Errorf("setgid: %w", err)
	}
	if err := unix.Setuid(spec.uid); err != nil {
		return nil, fmt.Errorf("setuid: %w", err)
	}

	if spec.home != "" {
		_ = os.Setenv("HOME", spec.home)
	}
	if spec.name != "" {
		_ = os.Setenv("USER", spec.name)
		_ = os.Setenv("LOGNAME", spec.name)
	}
	return spec, nil
}

func resolveUserSpec(username string) (*userSpec, error) {
	u, err := user.Lookup(username)
	if err != nil {
		return nil, fmt.Errorf("lookup user %q: %w", username, err)
	}

	uid, err := strconv.Atoi(u.Uid)
	if err != nil {
		return nil, fmt.Errorf("parse uid %q: %w", u.Uid, err)
	}
	gid, err := strconv.Atoi(u.Gid)
	if err != nil {
		return nil, fmt.Errorf("parse gid %q: %w", u.Gid, err)
	}

	var groups []int
	if gids, err := u.GroupIds(); err == nil {
		for _, g := range gids {
			if gidVal, convErr := strconv.Atoi(g); convErr == nil {
				groups = append(groups, gidVal)
			}
		}
	}

	return &userSpec{name: u.Username, uid: uid, gid: gid, home: u.HomeDir, groups: groups}, nil
}
