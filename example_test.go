// Copyright 2025 The Mica Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package mica_test

import (
	"fmt"
	"log"

	"github.com/cockroachdb/mica"
	"github.com/cockroachdb/mica/vfs"
)

func Example() {
	db, err := mica.Open("demo", &mica.Options{
		FS:              vfs.NewMem(),
		CreateIfMissing: true,
	})
	if err != nil {
		log.Fatal(err)
	}
	defer db.Close()

	if err := db.Set([]byte("hello"), []byte("world"), mica.Sync); err != nil {
		log.Fatal(err)
	}
	value, err := db.Get([]byte("hello"), nil)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println(string(value))
	// Output: world
}
