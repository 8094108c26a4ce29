package job

import _ "embed"

// ShimName is the file name of the entry script inside the job directory.
const ShimName = "entry_script.py"

//go:embed entry_script.py
var entryScript []byte

// EntryScript returns the embedded remote entry shim.
func EntryScript() []byte {
	return append([]byte(nil), entryScript...)
}
