// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package diskio

import (
	"git.lukeshu.com/btrfs-progs-ng/lib/binstruct"
)

// Ref is a pointer to a fixed-size binstruct-encoded value stored at
// a given address within a File.
type Ref[A ~int64, T any] struct {
	File File[A]
	Addr A
	Data T
}

func (r *Ref[A, T]) Read() error {
	size := binstruct.StaticSize(r.Data)
	buf := make([]byte, size)
	if _, err := r.File.ReadAt(buf, r.Addr); err != nil {
		return err
	}
	if _, err := binstruct.Unmarshal(buf, &r.Data); err != nil {
		return err
	}
	return nil
}

func (r *Ref[A, T]) Write() error {
	buf, err := binstruct.Marshal(r.Data)
	if err != nil {
		return err
	}
	_, err = r.File.WriteAt(buf, r.Addr)
	return err
}
