package secrets

// DefaultManager opens the vault at DefaultSecretsPath with the key from
// DefaultKeySource.
func DefaultManager() (SecretsManager, error) {
	path, err := DefaultSecretsPath()
	if err != nil {
		return nil, err
	}
	return NewFileManager(path)
}
