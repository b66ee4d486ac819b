package heaptrace

import "errors"

// ErrAlreadyInstalled is returned by (*Guard).Install when the Guard's
// hooks are already active.
var ErrAlreadyInstalled = errors.New("heaptrace: already installed")

// ErrNotInstalled is returned by (*Guard).Uninstall when the Guard's hooks
// were never successfully installed.
var ErrNotInstalled = errors.New("heaptrace: not installed")
