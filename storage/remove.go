package storage

import "os"

// removeBankFile is a best-effort delete: a bank file that's already gone
// is not an error condition for the caller, who only cares that it is gone
// now.
func removeBankFile(path string) {
	_ = os.Remove(path)
}
