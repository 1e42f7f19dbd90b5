package matcher

// BuiltinRules 内置规则库：危险函数调用、混淆痕迹、进程注入API序列、
// 网络指标与勒索/破坏标记。权重按单规则强度标定。
func BuiltinRules() []RuleSpec {
	return []RuleSpec{
		// ==================== 危险函数 ====================
		{
			ID:       "dangerous_function_eval",
			Name:     "Dynamic Code Evaluation",
			Category: CategorySuspicious,
			Severity: SeverityHigh,
			Kind:     MatchRegex,
			Pattern:  `\beval\s*\(`,
			Weight:   0.85,
		},
		{
			ID:       "dangerous_function_exec",
			Name:     "Process Execution Call",
			Category: CategorySuspicious,
			Severity: SeverityHigh,
			Kind:     MatchRegex,
			Pattern:  `\b(exec|system|popen|ShellExecute)\s*\(`,
			Weight:   0.85,
		},
		{
			ID:       "shell_invocation",
			Name:     "Shell Interpreter Invocation",
			Category: CategorySuspicious,
			Severity: SeverityMedium,
			Kind:     MatchRegex,
			Pattern:  `(cmd\.exe|/bin/sh|/bin/bash|powershell(\.exe)?|pwsh)`,
			Weight:   0.7,
		},

		// ==================== 混淆痕迹 ====================
		{
			ID:       "obfuscation_base64_atob",
			Name:     "Base64 Decode Call",
			Category: CategorySuspicious,
			Severity: SeverityMedium,
			Kind:     MatchRegex,
			Pattern:  `\b(atob|btoa)\s*\(`,
			Weight:   0.7,
		},
		{
			ID:       "obfuscation_eval_atob",
			Name:     "JavaScript Eval with Base64",
			Category: CategoryMalware,
			Severity: SeverityHigh,
			Kind:     MatchRegex,
			Pattern:  `eval\s*\(\s*atob\s*\(`,
			Weight:   0.9,
		},
		{
			ID:       "obfuscation_hex_density",
			Name:     "Dense Hex Escape Sequence",
			Category: CategorySuspicious,
			Severity: SeverityMedium,
			Kind:     MatchRegex,
			Pattern:  `(?:\\x[0-9a-fA-F]{2}){8,}`,
			Weight:   0.7,
		},
		{
			ID:       "obfuscation_unicode_density",
			Name:     "Dense Unicode Escape Sequence",
			Category: CategorySuspicious,
			Severity: SeverityMedium,
			Kind:     MatchRegex,
			Pattern:  `(?:\\u[0-9a-fA-F]{4}){6,}`,
			Weight:   0.7,
		},
		{
			ID:       "ps_encoded_command",
			Name:     "PowerShell Encoded Command",
			Category: CategoryMalware,
			Severity: SeverityHigh,
			Kind:     MatchRegex,
			Pattern:  `(?i)powershell[^|\n]*-e(nc|ncodedcommand)?\s+[A-Za-z0-9+/=]{8,}`,
			Weight:   0.9,
		},

		// ==================== 恶意API序列 ====================
		{
			ID:       "process_injection_remote",
			Name:     "Remote Process Injection Primitives",
			Category: CategoryMalware,
			Severity: SeverityCritical,
			Kind:     MatchRegex,
			Pattern:  `(VirtualAllocEx|WriteProcessMemory|CreateRemoteThread|NtMapViewOfSection)`,
			Weight:   0.95,
		},
		{
			ID:       "process_injection_local",
			Name:     "Local Code Injection Primitives",
			Category: CategoryMalware,
			Severity: SeverityHigh,
			Kind:     MatchRegex,
			Pattern:  `VirtualAlloc\s*\(|CreateThread\s*\(`,
			Weight:   0.8,
		},
		{
			ID:       "php_eval_backdoor",
			Name:     "PHP Eval Backdoor",
			Category: CategoryBackdoor,
			Severity: SeverityCritical,
			Kind:     MatchRegex,
			Pattern:  `@?eval\s*\(\s*\$_(POST|GET|REQUEST)`,
			Weight:   0.95,
		},
		{
			ID:       "reverse_shell",
			Name:     "Reverse Shell Connection",
			Category: CategoryBackdoor,
			Severity: SeverityCritical,
			Kind:     MatchRegex,
			Pattern:  `(nc|netcat|bash|sh)\s+[^\n]*\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}\s+\d+`,
			Weight:   0.9,
		},
		{
			ID:       "fork_bomb",
			Name:     "Shell Fork Bomb",
			Category: CategoryMalware,
			Severity: SeverityCritical,
			Kind:     MatchRegex,
			Pattern:  `:\(\)\s*\{\s*:\s*\|\s*:\s*&\s*\}\s*;\s*:`,
			Weight:   0.95,
		},
		{
			ID:       "dropper_pipe_shell",
			Name:     "Download-and-Execute Pipeline",
			Category: CategoryMalware,
			Severity: SeverityCritical,
			Kind:     MatchRegex,
			Pattern:  `(?i)(wget|curl)[^\n|;]*\|\s*(sh|bash)`,
			Weight:   0.9,
		},

		// ==================== 网络指标 ====================
		{
			ID:       "network_suspicious_tld",
			Name:     "URL with Suspicious TLD",
			Category: CategorySuspicious,
			Severity: SeverityMedium,
			Kind:     MatchRegex,
			Pattern:  `(?i)https?://[^\s"'<>]+\.(ru|cn|tk|top|onion|xyz)\b`,
			Weight:   0.6,
		},
		{
			ID:       "network_raw_ip_url",
			Name:     "URL Addressing Raw IP",
			Category: CategorySuspicious,
			Severity: SeverityMedium,
			Kind:     MatchRegex,
			Pattern:  `https?://\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}`,
			Weight:   0.65,
		},

		// ==================== 勒索/破坏标记 ====================
		{
			ID:       "ransomware_note",
			Name:     "Ransom Note Language",
			Category: CategoryRansomware,
			Severity: SeverityCritical,
			Kind:     MatchRegex,
			Pattern:  `(?i)(your files have been encrypted|pay[^\n]{0,40}bitcoin|decryption key)`,
			Weight:   0.9,
		},
		{
			ID:       "shadow_copy_delete",
			Name:     "Shadow Copy Deletion",
			Category: CategoryRansomware,
			Severity: SeverityCritical,
			Kind:     MatchRegex,
			Pattern:  `(?i)vssadmin\s+delete\s+shadows`,
			Weight:   0.95,
		},
		{
			ID:       "destructive_fs_command",
			Name:     "Destructive Filesystem Command",
			Category: CategoryMalware,
			Severity: SeverityCritical,
			Kind:     MatchRegex,
			Pattern:  `(?i)(rm\s+-rf\s+/|format\s+c:|del\s+/f\s+/s\s+/q\s+c:\\)`,
			Weight:   0.9,
		},

		// ==================== 挖矿/钓鱼 ====================
		{
			ID:       "crypto_miner_marker",
			Name:     "Cryptocurrency Miner Marker",
			Category: CategoryCryptoMiner,
			Severity: SeverityHigh,
			Kind:     MatchRegex,
			Pattern:  `(?i)(stratum\+tcp://|xmrig|cryptonight|coinhive)`,
			Weight:   0.85,
		},
		{
			ID:       "phishing_credential_lure",
			Name:     "Credential Phishing Language",
			Category: CategoryPhishing,
			Severity: SeverityMedium,
			Kind:     MatchRegex,
			Pattern:  `(?i)(verify your account|account.{0,20}suspended|confirm your password)`,
			Weight:   0.6,
		},

		// ==================== 文件头（字节模式） ====================
		{
			ID:       "pe_executable_header",
			Name:     "Windows PE Executable Header",
			Category: CategorySuspicious,
			Severity: SeverityLow,
			Kind:     MatchBytes,
			Bytes:    []byte{0x4D, 0x5A}, // MZ
			Weight:   0.5,
		},
		{
			ID:       "elf_executable_header",
			Name:     "ELF Executable Header",
			Category: CategorySuspicious,
			Severity: SeverityLow,
			Kind:     MatchBytes,
			Bytes:    []byte{0x7F, 0x45, 0x4C, 0x46}, // \x7fELF
			Weight:   0.5,
		},
	}
}
