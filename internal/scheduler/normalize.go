package scheduler

import (
	"strings"

	"github.com/me/calcjob/pkg/model"
)

// Vocabulary names a family of native status strings.
type Vocabulary string

const (
	VocabSlurm      Vocabulary = "slurm"
	VocabPBS        Vocabulary = "pbs"
	VocabSGE        Vocabulary = "sge"
	VocabLSF        Vocabulary = "lsf"
	VocabAppService Vocabulary = "appservice"
	VocabProcess    Vocabulary = "ps"
)

// DONE covers every way a job can leave the scheduler. Whether it succeeded
// is decided later from the retrieved output.
var vocabularies = map[Vocabulary]map[string]model.NormalizedStatus{
	VocabSlurm: {
		"PENDING": model.StatusQueued, "PD": model.StatusQueued,
		"CONFIGURING": model.StatusQueued, "CF": model.StatusQueued,
		"REQUEUED": model.StatusQueued, "RQ": model.StatusQueued,
		"REQUEUE_HOLD": model.StatusQueued, "RH": model.StatusQueued,
		"RESV_DEL_HOLD": model.StatusQueued, "RD": model.StatusQueued,
		"RUNNING": model.StatusRunning, "R": model.StatusRunning,
		"COMPLETING": model.StatusRunning, "CG": model.StatusRunning,
		"SUSPENDED": model.StatusRunning, "S": model.StatusRunning,
		"STOPPED": model.StatusRunning, "ST": model.StatusRunning,
		"RESIZING": model.StatusRunning, "RS": model.StatusRunning,
		"SIGNALING": model.StatusRunning, "SI": model.StatusRunning,
		"STAGE_OUT": model.StatusRunning, "SO": model.StatusRunning,
		"COMPLETED": model.StatusDone, "CD": model.StatusDone,
		"FAILED": model.StatusDone, "F": model.StatusDone,
		"CANCELLED": model.StatusDone, "CA": model.StatusDone,
		"TIMEOUT": model.StatusDone, "TO": model.StatusDone,
		"NODE_FAIL": model.StatusDone, "NF": model.StatusDone,
		"OUT_OF_MEMORY": model.StatusDone, "OOM": model.StatusDone,
		"PREEMPTED": model.StatusDone, "PR": model.StatusDone,
		"BOOT_FAIL": model.StatusDone, "BF": model.StatusDone,
		"DEADLINE": model.StatusDone, "DL": model.StatusDone,
		"SPECIAL_EXIT": model.StatusDone, "SE": model.StatusDone,
		"REVOKED": model.StatusDone, "RV": model.StatusDone,
	},
	VocabPBS: {
		"Q": model.StatusQueued, "H": model.StatusQueued,
		"W": model.StatusQueued, "T": model.StatusQueued,
		"R": model.StatusRunning, "E": model.StatusRunning,
		"S": model.StatusRunning, "U": model.StatusRunning,
		"C": model.StatusDone, "F": model.StatusDone, "X": model.StatusDone,
	},
	VocabSGE: {
		"qw": model.StatusQueued, "hqw": model.StatusQueued,
		"hRwq": model.StatusQueued, "Rq": model.StatusQueued,
		"r": model.StatusRunning, "t": model.StatusRunning,
		"Rr": model.StatusRunning, "Rt": model.StatusRunning,
		"s": model.StatusRunning, "S": model.StatusRunning,
		"ts": model.StatusRunning, "dr": model.StatusRunning,
		"dt": model.StatusRunning,
	},
	VocabLSF: {
		"PEND": model.StatusQueued, "PSUSP": model.StatusQueued,
		"WAIT": model.StatusQueued,
		"RUN": model.StatusRunning, "USUSP": model.StatusRunning,
		"SSUSP": model.StatusRunning, "PROV": model.StatusRunning,
		"DONE": model.StatusDone, "EXIT": model.StatusDone,
	},
	VocabAppService: {
		"queued": model.StatusQueued, "pending": model.StatusQueued,
		"init": model.StatusQueued, "suspended": model.StatusQueued,
		"in-progress": model.StatusRunning, "running": model.StatusRunning,
		"completed": model.StatusDone, "failed": model.StatusDone,
		"deleted": model.StatusDone,
	},
	VocabProcess: {
		"R": model.StatusRunning, "S": model.StatusRunning,
		"D": model.StatusRunning, "I": model.StatusRunning,
		"T": model.StatusRunning, "t": model.StatusRunning,
		"W": model.StatusRunning, "P": model.StatusRunning,
		"Z": model.StatusDone, "X": model.StatusDone,
	},
}

// Normalize maps a native status string onto the normalized set. Strings
// absent from the vocabulary map to model.StatusUnknown.
//
// Trailing annotations are dropped before lookup: SLURM reports
// "CANCELLED by 1000" and "CANCELLED+", ps reports "Ss" or "R+".
func Normalize(vocab Vocabulary, native string) model.NormalizedStatus {
	table, ok := vocabularies[vocab]
	if !ok {
		return model.StatusUnknown
	}
	s := strings.TrimSpace(native)
	if i := strings.IndexAny(s, " \t"); i >= 0 {
		s = s[:i]
	}
	if vocab == VocabProcess && s != "" {
		s = s[:1]
	}
	s = strings.TrimRight(s, "+*")
	if s == "" {
		return model.StatusUnknown
	}

	if st, ok := table[s]; ok {
		return st
	}
	if st, ok := table[strings.ToUpper(s)]; ok {
		return st
	}
	if st, ok := table[strings.ToLower(s)]; ok {
		return st
	}
	return model.StatusUnknown
}
