package main

import (
	"fmt"
	"os"
	"os/user"
	"strconv"
	"syscall"
)

// dropPrivileges switches from root to the user who invoked sudo. Binding
// the command socket under /var/run needs root; nothing after that does.
func dropPrivileges() error {
	sudoUser := os.Getenv("SUDO_USER")
	if sudoUser == "" {
		return fmt.Errorf("SUDO_USER environment variable not found")
	}

	u, err := user.Lookup(sudoUser)
	if err != nil {
		return fmt.Errorf("could not look up invoking user: %v", err)
	}

	uid, err := strconv.Atoi(u.Uid)
	if err != nil {
		return fmt.Errorf("invalid uid: %v", err)
	}
	gid, err := strconv.Atoi(u.Gid)
	if err != nil {
		return fmt.Errorf("invalid gid: %v", err)
	}

	if err := syscall.Setgid(gid); err != nil {
		return fmt.Errorf("could not drop group privileges: %v", err)
	}
	if err := syscall.Setuid(uid); err != nil {
		return fmt.Errorf("could not drop user privileges: %v", err)
	}

	return nil
}
