// Copyright (C) 2024 tarcore contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package chunkstore

// StatsSession is a read-only enumeration of the chunk directory,
// used by `tarcore stats` to report on disk usage without taking the
// write/delete lock, supplemented by the chunks_stats.c-style verbose
// reporting in original_source.
type StatsSession struct {
	*Session
}

// NewStatsSession wraps an open Session as a StatsSession.
func NewStatsSession(s *Session) *StatsSession { return &StatsSession{Session: s} }

// Report is the aggregate result of walking the directory once,
// distinguishing "unique" totals (one count per distinct chunk) from
// "all archives" totals (weighted by NCopies), the distinction
// original_source/tar/chunks/chunks_stats.c prints under
// "Total size" vs. "Unique data" vs. "Compressed size".
type Report struct {
	NChunks       uint64
	UniqueLen     uint64 // sum of Len across distinct chunks
	UniqueZLen    uint64 // sum of ZLen across distinct chunks
	AllArchives   uint64 // sum of Len*NCopies across distinct chunks
	ExtraChunks   uint64 // non-chunk blobs (archive metadata, metaindex fragments)
	ExtraLen      uint64
	ExtraZLen     uint64
}

// Compute walks the directory and the Extra stats record, producing a
// Report. It takes no locks of its own; callers must hold whatever
// advisory lock txn.Manager provides for the duration of a stats pass
// if they need a point-in-time-consistent answer.
func (s *StatsSession) Compute() Report {
	var r Report
	s.Dir.Range(func(e *Entry) {
		r.NChunks++
		r.UniqueLen += uint64(e.Len)
		r.UniqueZLen += uint64(e.ZLen)
		r.AllArchives += uint64(e.Len) * uint64(e.NCopies)
	})
	r.ExtraChunks = s.Dir.Extra.NChunks
	r.ExtraLen = s.Dir.Extra.SLen
	r.ExtraZLen = s.Dir.Extra.SZLen
	return r
}

// SavingsRatio returns the fraction of AllArchives bytes avoided by
// deduplication, in [0,1]. It returns 0 if AllArchives is 0.
func (r Report) SavingsRatio() float64 {
	if r.AllArchives == 0 {
		return 0
	}
	saved := r.AllArchives - r.UniqueLen
	return float64(saved) / float64(r.AllArchives)
}
