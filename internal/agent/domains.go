package agent

// Upstream models. The classifier and unifier use the fast model.
const (
	ModelFast     = "gpt-4o-mini"
	ModelStandard = "gpt-4o"
)

// Pipeline names, used as domain names and metric labels.
const (
	PipelineChat       = "chat"
	PipelineVision     = "vision"
	PipelineTranscribe = "voice_transcription"
	PipelineSynthesize = "voice_synthesis"
)

// ChatDomain is the chat assistant's closed role set.
var ChatDomain = mustDomain(PipelineChat, RoleStudyHelper, []RoleSpec{
	{
		Role:        RoleStudyHelper,
		Description: "general academic help: explaining concepts, homework guidance, study techniques",
		Profile: Profile{
			Model:       ModelFast,
			MaxTokens:   800,
			Temperature: 0.7,
			Instructions: `You are a friendly study helper for university students.
Explain concepts step by step, check understanding with a short question when useful,
and prefer worked examples over abstract definitions. Never write graded work for the student;
guide them to the answer instead.`,
		},
	},
	{
		Role:        RoleTimeManager,
		Description: "schedules, deadlines, study plans, exam timetables, prioritising tasks",
		Profile: Profile{
			Model:       ModelStandard,
			MaxTokens:   1200,
			Temperature: 0.3,
			Instructions: `You are a time management coach for students.
Build concrete, realistic plans: list days or time blocks, estimate durations,
put the nearest deadlines first and leave buffer time and breaks.
Use short bullet lists and keep every block actionable.`,
		},
	},
	{
		Role:        RoleResearcher,
		Description: "finding sources, citations, literature, research methods, academic writing",
		Profile: Profile{
			Model:       ModelStandard,
			MaxTokens:   1000,
			Temperature: 0.5,
			Instructions: `You are a research assistant for students.
Suggest where and how to search, which kinds of sources are credible and how to cite them.
Say clearly when you are unsure whether a specific source exists; never invent citations.`,
		},
	},
	{
		Role:        RoleMotivator,
		Description: "stress, motivation, burnout, anxiety about studies, encouragement",
		Profile: Profile{
			Model:       ModelFast,
			MaxTokens:   400,
			Temperature: 0.9,
			Instructions: `You are a warm, encouraging study buddy.
Acknowledge how the student feels, offer one or two small next steps they can take today
and keep the tone positive without dismissing real difficulties.
If the student mentions a crisis, point them to campus support services.`,
		},
	},
}, []KeywordRule{
	{Role: RoleTimeManager, Terms: []string{"schedule", "deadline", "calendar", "timetable", "due", "exam date", "organize", "organise", "plan my"}},
	{Role: RoleResearcher, Terms: []string{"research", "source", "citation", "cite", "paper", "article", "reference", "literature"}},
	{Role: RoleMotivator, Terms: []string{"stress", "motivation", "motivated", "anxious", "overwhelmed", "burnout", "burned out", "tired", "give up"}},
})

// VisionDomain is the image analysis role set.
var VisionDomain = mustDomain(PipelineVision, RoleStudyHelper, []RoleSpec{
	{
		Role:        RoleStudyHelper,
		Description: "notes, textbook pages, worksheets and general study material",
		Profile: Profile{
			Model:       ModelStandard,
			MaxTokens:   1200,
			Temperature: 0.4,
			Instructions: `You analyse images of study material such as notes, slides and textbook pages.
Transcribe the important text, summarise the main ideas and suggest how to study them.`,
		},
	},
	{
		Role:        RoleResearcher,
		Description: "papers, articles, citations and reference lists",
		Profile: Profile{
			Model:       ModelStandard,
			MaxTokens:   1200,
			Temperature: 0.4,
			Instructions: `You analyse images of academic papers, articles and bibliographies.
Identify the topic, the key claims and any references, and explain how they could be used in research.`,
		},
	},
	{
		Role:        RoleTechnicalAnalyzer,
		Description: "diagrams, charts, graphs, circuits, code screenshots and tables",
		Profile: Profile{
			Model:       ModelStandard,
			MaxTokens:   1500,
			Temperature: 0.2,
			Instructions: `You analyse technical images: diagrams, charts, graphs, circuits, tables and code.
Describe the structure precisely, read out values and labels, and explain what the figure shows.`,
		},
	},
	{
		Role:        RoleFormulaExtractor,
		Description: "equations, formulas and mathematical working",
		Profile: Profile{
			Model:       ModelStandard,
			MaxTokens:   1500,
			Temperature: 0.1,
			Instructions: `You extract mathematics from images.
Write every formula in LaTeX, explain each symbol and show how the formulas relate.
If the image contains no formula, say so plainly.`,
		},
	},
}, []KeywordRule{
	{Role: RoleFormulaExtractor, Terms: []string{"formula", "equation", "latex", "derivative", "integral", "solve", "math"}},
	{Role: RoleTechnicalAnalyzer, Terms: []string{"diagram", "chart", "graph", "circuit", "code", "table", "schematic"}},
	{Role: RoleResearcher, Terms: []string{"research", "paper", "article", "citation", "reference", "bibliography"}},
})

// VoiceTranscriptionDomain routes transcripts between the academic and general transcribers.
var VoiceTranscriptionDomain = mustDomain(PipelineTranscribe, RoleGeneralTranscriber, []RoleSpec{
	{
		Role:        RoleAcademicTranscriber,
		Description: "lectures, technical terminology, course content and study questions",
		Profile: Profile{
			Model:       ModelFast,
			MaxTokens:   1000,
			Temperature: 0.2,
			Instructions: `You clean up transcripts of academic speech.
Fix misheard technical terms, punctuation and capitalisation, and keep the wording otherwise unchanged.
Return only the corrected transcript.`,
		},
	},
	{
		Role:        RoleGeneralTranscriber,
		Description: "everyday conversation, reminders and casual requests",
		Profile: Profile{
			Model:       ModelFast,
			MaxTokens:   600,
			Temperature: 0.2,
			Instructions: `You tidy transcripts of everyday speech.
Fix punctuation and obvious recognition errors only. Return only the transcript.`,
		},
	},
}, []KeywordRule{
	{Role: RoleAcademicTranscriber, Terms: []string{"lecture", "professor", "theorem", "equation", "chapter", "exam", "assignment", "course", "lab", "thesis"}},
})

// VoiceSynthesisDomain has a single role, so synthesis requests skip classification.
var VoiceSynthesisDomain = mustDomain(PipelineSynthesize, RoleSpeechSynthesizer, []RoleSpec{
	{
		Role:        RoleSpeechSynthesizer,
		Description: "reading text aloud",
		Profile: Profile{
			Model:        "tts-1",
			MaxTokens:    1,
			Temperature:  0,
			Instructions: "Read the text aloud clearly at a moderate pace.",
		},
	},
}, nil)

// Domains lists every pipeline domain.
func Domains() []*Domain {
	return []*Domain{ChatDomain, VisionDomain, VoiceTranscriptionDomain, VoiceSynthesisDomain}
}

// AllRoles lists every declared role constant.
func AllRoles() []Role {
	return []Role{
		RoleStudyHelper, RoleTimeManager, RoleResearcher, RoleMotivator,
		RoleTechnicalAnalyzer, RoleFormulaExtractor,
		RoleAcademicTranscriber, RoleGeneralTranscriber, RoleSpeechSynthesizer,
	}
}
