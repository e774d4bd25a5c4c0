package querycache

// Key builders shared by everything reading or invalidating the cache. An
// account change must invalidate project and subject data, so those keys are
// scoped by account id.

func AccountsKey(userID string) string {
	return "accounts:" + userID
}

func ProjectsKey(accountID string) string {
	return "projects:" + accountID
}

func SubjectsKey(accountID string) string {
	return "subjects:" + accountID
}
