package tools

import "github.com/m4xw311/arbor/credentials"

// Names of the built-in tool servers.
const (
	FilesystemServer       = "filesystem"
	BraveSearchServer      = "brave-search"
	GitHubServer           = "github"
	DesktopCommanderServer = "desktop-commander"
	MemoryServer           = "memory"
	SSHServer              = "ssh"
)

const filesystemPackage = "@modelcontextprotocol/server-filesystem"

func filesystemArgs(dir string) []string {
	return []string{"-y", filesystemPackage, dir}
}

// table builds a risk table from category → tool → risk.
func table(categories map[string]map[string]Risk) map[string]ToolPolicy {
	out := make(map[string]ToolPolicy)
	for category, tools := range categories {
		for name, risk := range tools {
			out[name] = ToolPolicy{Category: category, Risk: risk}
		}
	}
	return out
}

// Filesystem is the filesystem server. It stays disabled until the user
// picks a directory.
func Filesystem(dir string) ServerConfig {
	return ServerConfig{
		Name:        FilesystemServer,
		Description: "Read and write files inside one allowed directory",
		Command:     "npx",
		Args:        filesystemArgs(dir),
		Transport:   TransportMCP,
		Tools: table(map[string]map[string]Risk{
			"read": {
				"read_file":           Safe,
				"read_multiple_files": Safe,
				"get_file_info":       Safe,
			},
			"write": {
				"write_file":       Moderate,
				"edit_file":        Moderate,
				"create_directory": Moderate,
			},
			"search": {
				"search_files":             Safe,
				"list_directory":           Safe,
				"list_allowed_directories": Safe,
			},
			"management": {
				"move_file":      Dangerous,
				"directory_tree": Safe,
			},
		}),
		Categories: map[string]string{
			"read":       "File Reading",
			"write":      "File Writing",
			"search":     "File Search & Discovery",
			"management": "File Management",
		},
	}
}

// BraveSearch is the web search server. It needs BRAVE_API_KEY.
func BraveSearch() ServerConfig {
	return ServerConfig{
		Name:        BraveSearchServer,
		Description: "Web and local search through the Brave Search API",
		Command:     "npx",
		Args:        []string{"-y", "@modelcontextprotocol/server-brave-search"},
		Transport:   TransportMCP,
		Secrets:     []SecretRef{{Env: "BRAVE_API_KEY", Key: credentials.BraveAPIKey, Required: true}},
		Tools: table(map[string]map[string]Risk{
			"webSearch": {
				"brave_web_search":   Safe,
				"brave_local_search": Safe,
			},
		}),
		Categories: map[string]string{"webSearch": "Web Search"},
	}
}

// GitHub is the code-hosting server. It needs a personal access token.
func GitHub() ServerConfig {
	return ServerConfig{
		Name:        GitHubServer,
		Description: "Repositories, issues and pull requests on GitHub",
		Command:     "npx",
		Args:        []string{"-y", "@modelcontextprotocol/server-github"},
		Transport:   TransportMCP,
		Secrets:     []SecretRef{{Env: "GITHUB_PERSONAL_ACCESS_TOKEN", Key: credentials.GitHubTokenKey, Required: true}},
		Tools: table(map[string]map[string]Risk{
			"repository": {
				"search_repositories": Safe,
				"get_file_contents":   Safe,
				"list_commits":        Safe,
				"create_repository":   Moderate,
				"fork_repository":     Moderate,
				"create_branch":       Moderate,
			},
			"files": {
				"create_or_update_file": Moderate,
				"push_files":            Moderate,
			},
			"issues": {
				"list_issues":       Safe,
				"get_issue":         Safe,
				"search_issues":     Safe,
				"create_issue":      Moderate,
				"update_issue":      Moderate,
				"add_issue_comment": Moderate,
			},
			"pullRequests": {
				"list_pull_requests":         Safe,
				"get_pull_request":           Safe,
				"get_pull_request_files":     Safe,
				"create_pull_request":        Moderate,
				"create_pull_request_review": Moderate,
				"merge_pull_request":         Dangerous,
			},
			"search": {
				"search_code":  Safe,
				"search_users": Safe,
			},
		}),
		Categories: map[string]string{
			"repository":   "Repository Operations",
			"files":        "File Changes",
			"issues":       "Issues",
			"pullRequests": "Pull Requests",
			"search":       "Code Search",
		},
	}
}

// DesktopCommander is the local shell and process server.
func DesktopCommander() ServerConfig {
	return ServerConfig{
		Name:        DesktopCommanderServer,
		Description: "Local terminal commands, processes and file editing",
		Command:     "npx",
		Args:        []string{"-y", "@wonderwhy-er/desktop-commander"},
		Transport:   TransportMCP,
		Tools: table(map[string]map[string]Risk{
			"filesystem": {
				"read_file":           Safe,
				"read_multiple_files": Safe,
				"list_directory":      Safe,
				"get_file_info":       Safe,
				"write_file":          Moderate,
				"create_directory":    Moderate,
				"edit_block":          Moderate,
				"move_file":           Dangerous,
			},
			"search": {
				"search_files": Safe,
				"search_code":  Safe,
			},
			"terminal": {
				"execute_command":       Dangerous,
				"read_output":           Safe,
				"list_sessions":         Safe,
				"force_terminate":       Dangerous,
				"list_processes":        Safe,
				"kill_process":          Dangerous,
				"start_process":         Dangerous,
				"interact_with_process": Dangerous,
			},
			"config": {
				"get_config":       Safe,
				"set_config_value": Dangerous,
			},
		}),
		Categories: map[string]string{
			"filesystem": "File Operations",
			"search":     "Search",
			"terminal":   "Terminal & Processes",
			"config":     "Configuration",
		},
	}
}

// Memory is the knowledge-graph memory server.
func Memory() ServerConfig {
	return ServerConfig{
		Name:        MemoryServer,
		Description: "Persistent knowledge graph memory",
		Command:     "npx",
		Args:        []string{"-y", "@modelcontextprotocol/server-memory"},
		Transport:   TransportMCP,
		Tools: table(map[string]map[string]Risk{
			"read": {
				"read_graph":   Safe,
				"search_nodes": Safe,
				"open_nodes":   Safe,
			},
			"write": {
				"create_entities":  Safe,
				"create_relations": Safe,
				"add_observations": Safe,
			},
			"delete": {
				"delete_entities":     Moderate,
				"delete_observations": Moderate,
				"delete_relations":    Moderate,
			},
		}),
		Categories: map[string]string{
			"read":   "Memory Retrieval",
			"write":  "Memory Storage",
			"delete": "Memory Deletion",
		},
	}
}

// SSH is the remote shell server. Connection secrets come from the
// credential store.
func SSH() ServerConfig {
	return ServerConfig{
		Name:        SSHServer,
		Description: "Remote commands over SSH",
		Command:     "npx",
		Args:        []string{"-y", "ssh-mcp"},
		Transport:   TransportMCP,
		Secrets: []SecretRef{
			{Env: "SSH_HOST", Key: credentials.SSHHostKey, Required: true},
			{Env: "SSH_PORT", Key: credentials.SSHPortKey},
			{Env: "SSH_USER", Key: credentials.SSHUserKey, Required: true},
			{Env: "SSH_PASSWORD", Key: credentials.SSHPasswordKey},
			{Env: "SSH_KEY_PATH", Key: credentials.SSHKeyPathKey},
		},
		Tools: table(map[string]map[string]Risk{
			"remote": {
				"exec":          Dangerous,
				"sudo-exec":     Dangerous,
				"upload_file":   Dangerous,
				"download_file": Moderate,
			},
		}),
		Categories: map[string]string{"remote": "Remote Execution"},
	}
}

// Builtin returns the built-in catalog, all disabled. Callers enable servers
// through configuration once the server is usable.
func Builtin(dir string) []ServerConfig {
	return []ServerConfig{
		Filesystem(dir),
		DesktopCommander(),
		GitHub(),
		BraveSearch(),
		Memory(),
		SSH(),
	}
}
