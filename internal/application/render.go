package application

import (
	"bufio"
	"strconv"

	"github.com/bnema/ssh-substituter/internal/domain"
)

// Replies are line oriented; every block ends with a blank line, which
// the caller writes.

func renderHave(w *bufio.Writer, paths []string) {
	for _, path := range paths {
		w.WriteString(path)
		w.WriteByte('\n')
	}
}

func renderInfo(w *bufio.Writer, infos []domain.ArtifactInfo) {
	line := func(s string) {
		w.WriteString(s)
		w.WriteByte('\n')
	}

	for _, info := range infos {
		line(info.Path)
		line(info.Deriver)
		line(strconv.Itoa(len(info.References)))
		for _, ref := range info.References {
			line(ref)
		}
		line(strconv.FormatUint(info.DownloadSize, 10))
		line(strconv.FormatUint(info.NarSize, 10))
	}
}
