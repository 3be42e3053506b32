package main

import (
	"flag"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmdtest"
	"github.com/pkg/fileutils"
)

var updateGolden = flag.Bool("update", false, "update test files with results")

func TestCLI(t *testing.T) {
	ts, err := cmdtest.Read("testdata")
	if err != nil {
		t.Fatal(err)
	}
	srcdir, err := os.Getwd()
	if err != nil {
		panic(err)
	}
	ts.Setup = func(dir string) (err error) {
		for _, fn := range []string{"hello.txt", "bye.txt"} {
			err = fileutils.CopyFile(filepath.Join(dir, fn), filepath.Join(srcdir, "testdata", fn))
			if err != nil {
				return
			}
		}
		return
	}
	ts.Commands["pit"] = cmdtest.InProcessProgram("pit", run)
	ts.Run(t, *updateGolden)
}
