package config

import "time"

// Built-in persona. Operators override any of these in the persona section.
const (
	defaultInstructions = `انتِ "أليكسا" (ALEXA)، مساعدة تعليمية بتساعد الباحثين والدكاترة يفهموا الكتاب المرفوع.
- عندك ذاكرة كاملة للجلسة: أي صورة أو ملف اترفع افتكريه طول المحادثة.
- متكرريش الترحيب الرسمي لو المحادثة بدأت فعلاً.
- خاطبي الجمهور بـ "يا دكتور" و"حضرتك" بالعامية المصرية المهذبة.
- المصطلح بالإنجليزي والشرح بالمصري.
- المصدر الأساسي هو الكتاب المرفوع، والبحث الخارجي لتوضيح المفاهيم العلمية بس.
- لو اترفعت صورة حلليها واربطيها بمحتوى الكتاب.`

	defaultGreeting            = "أهلاً بك يا دكتور. أنا أليكسا، رفيقتك في دراسة هذا الكتاب. كيف يمكنني مساعدتك اليوم؟"
	defaultNewContentNotice    = `يا أليكسا، الدكتور رفع ملف جديد بعنوان "%s".. من فضلك استوعبي المحتوى الجديد ده وخليكي جاهزة لأي سؤال عنه.`
	defaultContentLoadedNotice = `تم تحميل "%s"`
	defaultImagePrompt         = "يا أليكسا، حللي الصورة دي في سياق الكتاب اللي بندرسه."
	defaultImagePlaceholder    = "[صورة]"
	defaultFailureNotice       = "حصل مشكلة في التواصل.. ممكن تجرب تاني يا دكتور؟"
	defaultBusyError           = "الخدمة مشغولة شوية.. جرب تاني كمان لحظات."
	defaultMicError            = "تعذر الوصول للمايكروفون."
	defaultMissingKeyError     = "مفتاح الخدمة مش موجود. ضيف GEMINI_API_KEY وشغّل البرنامج تاني."
)

// Default returns a Config with every field set to its built-in default.
// [LoadFromReader] decodes on top of it, so a YAML file only needs the
// fields it changes.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr:      ":8080",
			LogLevel:        LogInfo,
			ShutdownTimeout: 10 * time.Second,
		},
		Gemini: GeminiConfig{
			Provider:  "gemini",
			LiveModel: "gemini-2.5-flash-native-audio-preview-09-2025",
			ChatModel: "gemini-3-pro-preview",
			Voice:     "Kore",
			Search:    true,
		},
		Audio: AudioConfig{
			Input:         "malgo",
			Output:        "oto",
			InputRate:     16000,
			OutputRate:    24000,
			FrameSamples:  4096,
			VolumeGain:    5,
			SendQueue:     8,
			OutputLatency: 100 * time.Millisecond,
		},
		Reconnect: ReconnectConfig{
			MaxRetries: 3,
			BaseDelay:  time.Second,
		},
		Persona: PersonaConfig{
			Instructions:        defaultInstructions,
			Greeting:            defaultGreeting,
			NewContentNotice:    defaultNewContentNotice,
			ContentLoadedNotice: defaultContentLoadedNotice,
			ImagePrompt:         defaultImagePrompt,
			ImagePlaceholder:    defaultImagePlaceholder,
			FailureNotice:       defaultFailureNotice,
			BusyError:           defaultBusyError,
			MicError:            defaultMicError,
			MissingKeyError:     defaultMissingKeyError,
		},
		Content: ContentConfig{
			PollInterval: 2 * time.Second,
			MinLength:    50,
		},
	}
}
