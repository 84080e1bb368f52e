// Package testutil contains stuff for testing torrent-related behaviour.
//
// "greeting" is a single-file torrent of a file called "greeting" that contains "hello, world\n".
package testutil

import (
	"math/rand"

	"github.com/anacrolix/torrent/metainfo"
)

const (
	GreetingFileContents = "hello, world\n"
	GreetingFileName     = "greeting"
)

var Greeting = Torrent{
	Files: []File{{
		Data: GreetingFileContents,
	}},
	Name: GreetingFileName,
}

func GreetingMetaInfo() *metainfo.MetaInfo {
	mi, _ := Greeting.Generate(5)
	return &mi
}

// Deterministic pseudo-random data of length n.
func RandomData(seed int64, n int) string {
	b := make([]byte, n)
	rand.New(rand.NewSource(seed)).Read(b)
	return string(b)
}

// A single-file torrent of numPieces pieces of random data. The last piece is short by tail bytes.
func RandomTorrent(name string, pieceLength int64, numPieces, tail int) Torrent {
	return Torrent{
		Files: []File{{Data: RandomData(int64(numPieces), int(pieceLength)*numPieces-tail)}},
		Name:  name,
	}
}
